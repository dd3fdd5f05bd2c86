package server

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"lwf/schema"
)

// Handler serves one method. The request record has been decoded against
// the endpoint's input schema; the returned record is encoded against its
// output schema. Returning a *message.Error picks the failure code seen by
// the caller; any other error is reported as Internal.
type Handler func(ctx context.Context, req schema.Record) (schema.Record, error)

// endpoint is one registered "Service.Method".
type endpoint struct {
	method  string
	service string
	in, out *schema.Schema
	inFP    string // hex fingerprints, compared against Envelope.Schema
	outFP   string
	handler Handler
}

// splitMethod parses "Service.Method".
func splitMethod(method string) (service, name string, err error) {
	service, name, ok := strings.Cut(method, ".")
	if !ok || service == "" || name == "" || strings.Contains(name, ".") {
		return "", "", fmt.Errorf("invalid method %q: want Service.Method", method)
	}
	return service, name, nil
}

// Handle registers h for method ("Service.Method"). Requests must carry
// in's fingerprint; responses carry out's. Handle must be called before
// Serve.
func (svr *Server) Handle(method string, in, out *schema.Schema, h Handler) error {
	service, _, err := splitMethod(method)
	if err != nil {
		return err
	}
	if in == nil || out == nil || h == nil {
		return fmt.Errorf("%s: schemas and handler are required", method)
	}
	if _, dup := svr.endpoints[method]; dup {
		return fmt.Errorf("%s: already registered", method)
	}
	svr.endpoints[method] = &endpoint{
		method:  method,
		service: service,
		in:      in,
		out:     out,
		inFP:    in.Fingerprint().String(),
		outFP:   out.Fingerprint().String(),
		handler: h,
	}
	return nil
}

// services returns the distinct service names, sorted.
func (svr *Server) services() []string {
	seen := make(map[string]bool)
	var names []string
	for _, ep := range svr.endpoints {
		if !seen[ep.service] {
			seen[ep.service] = true
			names = append(names, ep.service)
		}
	}
	sort.Strings(names)
	return names
}

// Methods returns the registered method names, sorted.
func (svr *Server) Methods() []string {
	names := make([]string, 0, len(svr.endpoints))
	for m := range svr.endpoints {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}
