// Package protocol defines the wire-level data model shared by the hub and
// every node it brokers: manifests, parameter/endpoint kinds, request and
// response envelopes, and the typed error used throughout the hub.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ParameterKind describes how a method parameter is bound at dispatch time.
type ParameterKind string

const (
	ParamString    ParameterKind = "String"
	ParamInt       ParameterKind = "Int"
	ParamFloat     ParameterKind = "Float"
	ParamBool      ParameterKind = "Bool"
	ParamURL       ParameterKind = "Url"       // Url(Index) — captured from the route
	ParamInput     ParameterKind = "Input"     // parsed request body
	ParamSessionID ParameterKind = "SessionID" // active session id
	ParamUser      ParameterKind = "User"      // session's attached user, or null
)

// Parameter is one named argument of a Method. Name is the key under which
// the bound value is placed in a UnicomRequest's Parameters map.
type Parameter struct {
	Name  string        `json:"name"`
	Kind  ParameterKind `json:"kind"`
	Index int           `json:"index,omitempty"` // only meaningful when Kind == ParamURL
}

// MethodKind is the HTTP verb a Method answers.
type MethodKind string

const (
	MethodGet    MethodKind = "GET"
	MethodPost   MethodKind = "POST"
	MethodPut    MethodKind = "PUT"
	MethodDelete MethodKind = "DELETE"
)

// Method is one verb-handler of an Api, with its ordered parameter list.
type Method struct {
	Kind       MethodKind  `json:"kind"`
	Parameters []Parameter `json:"parameters"`
}

// Api is a named bundle of per-verb Methods exposed by a node.
type Api struct {
	ID      int               `json:"id"`
	Name    string            `json:"name"`
	Methods map[MethodKind]Method `json:"methods"`
}

// MethodFor looks up the method serving the given HTTP verb.
func (a Api) MethodFor(kind MethodKind) (Method, error) {
	m, ok := a.Methods[kind]
	if !ok {
		return Method{}, &UnicomError{Kind: ErrNotFound, Message: "no method for " + string(kind) + " on api " + a.Name}
	}
	return m, nil
}

// EndpointType discriminates the four endpoint kinds a route can resolve to.
type EndpointType string

const (
	EndpointStatic  EndpointType = "Static"
	EndpointDynamic EndpointType = "Dynamic"
	EndpointRest    EndpointType = "Rest"
	EndpointView    EndpointType = "View"
)

// ViewSubAPI describes one fan-out call a View endpoint issues before render.
type ViewSubAPI struct {
	Node        string                 `json:"node"`
	API         string                 `json:"api"`
	Method      MethodKind             `json:"method,omitempty"` // defaults to GET
	ExtraParams map[string]interface{} `json:"extra_params,omitempty"`
}

// Endpoint is the declarative description of one URL an endpoint regex maps to.
type Endpoint struct {
	Regex string       `json:"regex"`
	Kind  EndpointType `json:"kind"`

	// Static
	Root string `json:"root,omitempty"`

	// Dynamic / Rest
	API string `json:"api,omitempty"`

	// View
	Template string                `json:"template,omitempty"`
	APIs     map[string]ViewSubAPI `json:"apis,omitempty"`
}

// TemplateRef is a named template a node ships alongside its manifest.
type TemplateRef struct {
	Path string `json:"path"`
	File string `json:"file"`
}

// NodeConfig is the manifest a node sends as its very first frame.
type NodeConfig struct {
	Name      string            `json:"name"`
	APIs      []Api             `json:"apis"`
	Endpoints []Endpoint        `json:"endpoints"`
	Templates []TemplateRef     `json:"templates"`
	Tags      map[string]string `json:"tags"`
}

// APIByName finds a declared API by name.
func (c NodeConfig) APIByName(name string) (Api, error) {
	for _, a := range c.APIs {
		if a.Name == name {
			return a, nil
		}
	}
	return Api{}, &UnicomError{Kind: ErrNotFound, Message: "no api named " + name}
}

// UnicomRequest is the envelope the hub sends to invoke one RPC on a node.
type UnicomRequest struct {
	NodeName   string                     `json:"node_name"`
	Name       string                     `json:"name"`
	Method     MethodKind                 `json:"method"`
	Parameters map[string]json.RawMessage `json:"parameters"`
}

// UnicomResponse is a successful RPC reply.
type UnicomResponse struct {
	Data []byte `json:"data"`
}

// ErrorKind enumerates the error taxonomy carried over the wire and used for
// HTTP status translation at the dispatcher.
type ErrorKind string

const (
	ErrNotFound        ErrorKind = "NotFound"
	ErrParameterInvalid ErrorKind = "ParameterInvalid"
	ErrInputInvalid    ErrorKind = "InputInvalid"
	ErrNotAllowed      ErrorKind = "NotAllowed"
	ErrTimeout         ErrorKind = "Timeout"
	ErrEmpty           ErrorKind = "Empty"
	ErrInternal        ErrorKind = "Internal"
	ErrIo              ErrorKind = "Io"
	ErrEncoding        ErrorKind = "Encoding"
)

// UnicomError is the typed error carried in Error frames and returned by
// every component in the hub's core.
type UnicomError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *UnicomError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewError is a convenience constructor.
func NewError(kind ErrorKind, format string, args ...interface{}) *UnicomError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &UnicomError{Kind: kind, Message: msg}
}
