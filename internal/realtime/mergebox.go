package realtime

import (
	"log/slog"

	"github.com/syncwirehq/syncwire/pkg/model"
)

// viewCallbacks receives the net outgoing change stream produced by a
// CollectionView. The session implements it; sendChanged receives nil values
// for keys whose effective value disappeared.
type viewCallbacks interface {
	sendAdded(collection, id string, fields model.Document)
	sendChanged(collection, id string, fields model.Document)
	sendRemoved(collection, id string)
}

// docView tracks one document as seen by one connection across the
// subscriptions asserting it.
type docView interface {
	addedBy(handle string)
	removedBy(handle string)
	isEmpty() bool
	getFields() model.Document
	changeField(handle, key string, value interface{}, collector model.Document, isAdd bool)
	clearField(handle, key string, collector model.Document)
	clearAll(handle string, collector model.Document)
}

type precedenceEntry struct {
	handle string
	value  interface{}
}

// DocumentView holds, per field key, the list of subscriptions asserting a
// value, ordered by precedence. The entry at position 0 is the effective
// value; removing it promotes the next entry.
type DocumentView struct {
	existsIn  map[string]struct{}
	dataByKey map[string][]*precedenceEntry
}

func newDocumentView() *DocumentView {
	return &DocumentView{
		existsIn:  make(map[string]struct{}),
		dataByKey: make(map[string][]*precedenceEntry),
	}
}

func (v *DocumentView) addedBy(handle string) { v.existsIn[handle] = struct{}{} }

func (v *DocumentView) removedBy(handle string) { delete(v.existsIn, handle) }

func (v *DocumentView) isEmpty() bool { return len(v.existsIn) == 0 }

// getFields returns the effective merged field set.
func (v *DocumentView) getFields() model.Document {
	fields := model.Document{}
	for key, list := range v.dataByKey {
		fields[key] = list[0].value
	}
	return fields
}

// changeField records that handle asserts key = value. Changes to the
// effective value are reported into collector. With isAdd the entry is known
// to be absent and is appended without searching. The reserved id key is
// handled out-of-band and ignored here.
func (v *DocumentView) changeField(handle, key string, value interface{}, collector model.Document, isAdd bool) {
	if key == model.FieldID {
		return
	}
	value = model.Clone(value)

	list, ok := v.dataByKey[key]
	if !ok {
		v.dataByKey[key] = []*precedenceEntry{{handle: handle, value: value}}
		collector[key] = value
		return
	}

	var elt *precedenceEntry
	if !isAdd {
		for _, e := range list {
			if e.handle == handle {
				elt = e
				break
			}
		}
	}

	if elt != nil {
		if elt == list[0] && !model.Equal(value, elt.value) {
			// The effective value is changing.
			collector[key] = value
		}
		elt.value = value
	} else {
		// New assertion for this key joins at lowest precedence.
		v.dataByKey[key] = append(list, &precedenceEntry{handle: handle, value: value})
	}
}

// clearField removes handle's entry for key, if any. If the effective entry
// was removed and the promoted value differs, the new effective value is
// reported; a nil report marks the key as gone entirely.
func (v *DocumentView) clearField(handle, key string, collector model.Document) {
	if key == model.FieldID {
		return
	}
	list, ok := v.dataByKey[key]
	if !ok {
		return
	}

	idx := -1
	var removed interface{}
	for i, e := range list {
		if e.handle == handle {
			idx = i
			removed = e.value
			break
		}
	}
	if idx == -1 {
		return
	}

	list = append(list[:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(v.dataByKey, key)
		if idx == 0 {
			collector[key] = nil
		}
		return
	}
	v.dataByKey[key] = list
	if idx == 0 && !model.Equal(removed, list[0].value) {
		collector[key] = list[0].value
	}
}

// clearAll drops every field contribution made by handle.
func (v *DocumentView) clearAll(handle string, collector model.Document) {
	for key := range v.dataByKey {
		v.clearField(handle, key, collector)
	}
}

// DummyDocumentView tracks only the set of contributing subscriptions and
// republishes the latest writer's values without precedence history.
type DummyDocumentView struct {
	existsIn map[string]struct{}
}

func newDummyDocumentView() *DummyDocumentView {
	return &DummyDocumentView{existsIn: make(map[string]struct{})}
}

func (v *DummyDocumentView) addedBy(handle string) { v.existsIn[handle] = struct{}{} }

func (v *DummyDocumentView) removedBy(handle string) { delete(v.existsIn, handle) }

func (v *DummyDocumentView) isEmpty() bool { return len(v.existsIn) == 0 }

func (v *DummyDocumentView) getFields() model.Document { return model.Document{} }

func (v *DummyDocumentView) clearAll(string, model.Document) {}

func (v *DummyDocumentView) changeField(handle, key string, value interface{}, collector model.Document, isAdd bool) {
	if key == model.FieldID {
		return
	}
	collector[key] = model.Clone(value)
}

func (v *DummyDocumentView) clearField(handle, key string, collector model.Document) {
	if key == model.FieldID {
		return
	}
	collector[key] = nil
}

// CollectionView merges, for one collection within one session, the views of
// every subscription asserting documents into a single deduplicated change
// stream. It performs no locking: the owning session serializes access.
type CollectionView struct {
	name      string
	strategy  Strategy
	callbacks viewCallbacks
	documents map[string]docView
}

func newCollectionView(name string, strategy Strategy, callbacks viewCallbacks) *CollectionView {
	return &CollectionView{
		name:      name,
		strategy:  strategy,
		callbacks: callbacks,
		documents: make(map[string]docView),
	}
}

func (cv *CollectionView) isEmpty() bool {
	return len(cv.documents) == 0
}

func (cv *CollectionView) newDocView() docView {
	if cv.strategy.UseDummyDocumentView {
		return newDummyDocumentView()
	}
	return newDocumentView()
}

// added records that handle asserts the document. The first asserting
// subscription produces an added frame with the effective fields; later
// ones produce at most a changed frame for fields they newly dominate.
func (cv *CollectionView) added(handle, id string, fields model.Document) {
	dv, ok := cv.documents[id]
	isNew := !ok
	if isNew {
		dv = cv.newDocView()
		cv.documents[id] = dv
	}
	dv.addedBy(handle)

	collector := model.Document{}
	for key, value := range fields {
		dv.changeField(handle, key, value, collector, true)
	}

	if isNew {
		cv.callbacks.sendAdded(cv.name, id, collector)
	} else if len(collector) > 0 {
		cv.callbacks.sendChanged(cv.name, id, collector)
	}
}

// changed applies a field delta from handle; nil values route to clearField.
// An all-no-op update produces no frame.
func (cv *CollectionView) changed(handle, id string, changedFields model.Document) {
	dv, ok := cv.documents[id]
	if !ok {
		slog.Error("change for unknown document", "collection", cv.name, "id", id)
		return
	}

	collector := model.Document{}
	for key, value := range changedFields {
		if value == nil {
			dv.clearField(handle, key, collector)
		} else {
			dv.changeField(handle, key, value, collector, false)
		}
	}
	if len(collector) > 0 {
		cv.callbacks.sendChanged(cv.name, id, collector)
	}
}

// removed drops handle's contribution to the document. The removed frame is
// emitted exactly once, when the last contributing subscription lets go.
func (cv *CollectionView) removed(handle, id string) {
	dv, ok := cv.documents[id]
	if !ok {
		slog.Error("remove for unknown document", "collection", cv.name, "id", id)
		return
	}

	dv.removedBy(handle)
	if dv.isEmpty() {
		delete(cv.documents, id)
		cv.callbacks.sendRemoved(cv.name, id)
		return
	}

	collector := model.Document{}
	dv.clearAll(handle, collector)
	if len(collector) > 0 {
		cv.callbacks.sendChanged(cv.name, id, collector)
	}
}
