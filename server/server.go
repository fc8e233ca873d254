// Package server contains the JSON payloads and route tables shared by the
// HTTP interfaces to instruments.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/sirupsen/logrus"
)

// FloatT is a struct with a single float64 field, f64
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, int
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, str
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field, bool
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload holds one value of kind T.  It is encoded as the matching
// one-field JSON object ({"f64": 1.5}), or as bare text when the client
// asks for text/plain.
type HumanPayload struct {
	Bool   bool
	Float  float64
	Int    int
	String string
	T      types.BasicKind
}

func (hp HumanPayload) value() (interface{}, string) {
	switch hp.T {
	case types.Bool:
		return BoolT{hp.Bool}, strconv.FormatBool(hp.Bool)
	case types.Float64:
		return FloatT{hp.Float}, strconv.FormatFloat(hp.Float, 'g', -1, 64)
	case types.Int:
		return IntT{hp.Int}, strconv.Itoa(hp.Int)
	case types.String:
		return StrT{hp.String}, hp.String
	}
	return nil, ""
}

// EncodeAndRespond writes the payload to w
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	obj, txt := hp.value()
	if obj == nil {
		http.Error(w, fmt.Sprintf("payload kind %d not supported", hp.T), http.StatusInternalServerError)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, txt)
		return
	}
	RespondJSON(w, obj)
}

// RespondJSON encodes v as the body of a 200 response
func RespondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("encoding response")
	}
}

// MethodPath is an HTTP method and the chi pattern it is served on
type MethodPath struct {
	Method string
	Path   string
}

// Get is shorthand for MethodPath{http.MethodGet, path}
func Get(path string) MethodPath {
	return MethodPath{Method: http.MethodGet, Path: path}
}

// Post is shorthand for MethodPath{http.MethodPost, path}
func Post(path string) MethodPath {
	return MethodPath{Method: http.MethodPost, Path: path}
}

// RouteTable maps routes to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table as "METHOD /path", sorted by path
func (rt RouteTable) Endpoints() []string {
	keys := make([]MethodPath, 0, len(rt))
	for k := range rt {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Method < keys[j].Method
	})
	routes := make([]string, len(keys))
	for i, k := range keys {
		routes[i] = k.Method + " " + k.Path
	}
	return routes
}

// Bind registers every route in the table on r
func (rt RouteTable) Bind(r chi.Router) {
	for k, v := range rt {
		r.MethodFunc(k.Method, k.Path, v)
	}
}

// HTTPer is anything with a route table
type HTTPer interface {
	RT() RouteTable
}

// ReplyWithFile serves fn out of fldr
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, filepath.Base(fn)))
	if err != nil {
		http.Error(w, fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(filePath)
	if err != nil {
		http.Error(w, fmt.Sprintf("source file missing %s", filepath.Base(fn)), http.StatusNotFound)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("error retrieving source file stats %s", err), http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}
