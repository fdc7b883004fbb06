package protocol

// SupportedVersions lists the protocol versions this server speaks, newest
// first. Negotiation picks the client's most preferred version that appears
// here.
var SupportedVersions = []string{"2", "1"}

// Negotiate returns the best version given the client's preference-ordered
// support list. When nothing intersects, it falls back to the server's newest
// version so the failed frame can name a version worth retrying with.
func Negotiate(clientSupport []string, serverSupport []string) string {
	for _, v := range clientSupport {
		for _, s := range serverSupport {
			if v == s {
				return v
			}
		}
	}
	return serverSupport[0]
}
