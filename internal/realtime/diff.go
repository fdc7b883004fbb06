package realtime

import (
	"github.com/syncwirehq/syncwire/pkg/model"
)

// diff reconciles this view against a previous snapshot of the same
// collection, emitting the net added/changed/removed frames through the
// view's callbacks. Used after a bulk subscription re-run.
func (cv *CollectionView) diff(previous *CollectionView) {
	for id, prevDV := range previous.documents {
		nowDV, ok := cv.documents[id]
		if !ok {
			cv.callbacks.sendRemoved(cv.name, id)
			continue
		}
		cv.diffDocument(id, prevDV, nowDV)
	}
	for id, nowDV := range cv.documents {
		if _, ok := previous.documents[id]; !ok {
			cv.callbacks.sendAdded(cv.name, id, nowDV.getFields())
		}
	}
}

// diffDocument reports only the keys whose effective value changed between
// the two views, treating deep-equal values as unchanged.
func (cv *CollectionView) diffDocument(id string, prevDV, nowDV docView) {
	prev := prevDV.getFields()
	now := nowDV.getFields()

	fields := model.Document{}
	for key, nowValue := range now {
		prevValue, had := prev[key]
		if !had || !model.Equal(prevValue, nowValue) {
			fields[key] = nowValue
		}
	}
	for key := range prev {
		if _, still := now[key]; !still {
			fields[key] = nil
		}
	}

	if len(fields) > 0 {
		cv.callbacks.sendChanged(cv.name, id, fields)
	}
}
