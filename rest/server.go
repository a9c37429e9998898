// Copyright 2026 The Autovisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gdamore/autovisor"
	"github.com/gorilla/mux"
)

// Handler wraps a Manager, adding http.Handler functionality.  The API is
// read-only; it reports what the supervisor publishes and never changes
// anything.
type Handler struct {
	m *autovisor.Manager
	r *mux.Router
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

func pollTime(r *http.Request) time.Duration {
	secs, e := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if e != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > MaxPollTime {
		d = MaxPollTime
	}
	return d
}

// unchanged handles conditional requests.  If the client's tag matches
// cur, the request may be held (see PollTimeHeader) until watch reports a
// change.  If nothing changed, a 304 has been written and true returned.
func (h *Handler) unchanged(w http.ResponseWriter, r *http.Request, cur int64,
	watch func(int64, time.Duration) int64) bool {

	old, ok := parseEtag(r.Header.Get("If-None-Match"))
	if !ok || old != cur {
		return false
	}
	if d := pollTime(r); d > 0 {
		cur = watch(old, d)
	}
	if cur != old {
		return false
	}
	w.Header().Set("Etag", formatEtag(cur))
	w.WriteHeader(http.StatusNotModified)
	return true
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	if h.unchanged(w, r, h.m.Serial(), h.m.WatchSerial) {
		return
	}
	info := h.m.GetInfo()
	w.Header().Set("Etag", formatEtag(info.Serial))
	h.writeJson(w, info)
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.m.Snapshot()
	if h.unchanged(w, r, snap.Serial, h.m.WatchSerial) {
		return
	}
	snap = h.m.Snapshot()
	w.Header().Set("Etag", formatEtag(snap.Serial))
	h.writeJson(w, snap)
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	if h.unchanged(w, r, h.m.ListSerial(), h.m.WatchInstances) {
		return
	}
	sn := h.m.ListSerial()
	insts := h.m.Instances()
	l := make([]string, 0, len(insts))
	for _, i := range insts {
		l = append(l, i.ID())
	}
	w.Header().Set("Etag", formatEtag(sn))
	h.writeJson(w, l)
}

func (h *Handler) findInstance(r *http.Request) (*autovisor.Instance, *Error) {
	id := mux.Vars(r)["instance"]
	if inst, e := h.m.Instance(id); e == nil {
		return inst, nil
	}
	return nil, &Error{http.StatusNotFound, "Instance not found"}
}

func (h *Handler) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, e := h.findInstance(r)
	if e != nil {
		h.writeError(w, e)
		return
	}
	if h.unchanged(w, r, h.m.Serial(), h.m.WatchSerial) {
		return
	}
	w.Header().Set("Etag", formatEtag(h.m.Serial()))
	h.writeJson(w, inst.Status())
}

func (h *Handler) writeLog(w http.ResponseWriter, r *http.Request, l *autovisor.Log) {
	_, cur := l.GetRecords(0)
	if h.unchanged(w, r, cur, l.Watch) {
		return
	}
	recs, id := l.GetRecords(0)
	if recs == nil {
		recs = []autovisor.LogRecord{}
	}
	w.Header().Set("Etag", formatEtag(id))
	h.writeJson(w, recs)
}

func (h *Handler) getInstanceLog(w http.ResponseWriter, r *http.Request) {
	inst, e := h.findInstance(r)
	if e != nil {
		h.writeError(w, e)
		return
	}
	h.writeLog(w, r, inst.Log())
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	h.writeLog(w, r, h.m.Log())
}

// Handle mounts an additional handler, such as a metrics endpoint.
func (h *Handler) Handle(path string, handler http.Handler) {
	h.r.Handle(path, handler).Methods("GET")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(m *autovisor.Manager) *Handler {
	r := mux.NewRouter()
	h := &Handler{m: m, r: r}
	r.HandleFunc("/", h.getInfo).Methods("GET")
	r.HandleFunc("/snapshot", h.getSnapshot).Methods("GET")
	r.HandleFunc("/instances", h.listInstances).Methods("GET")
	r.HandleFunc("/instances/{instance}", h.getInstance).Methods("GET")
	r.HandleFunc("/instances/{instance}/log", h.getInstanceLog).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	return h
}
