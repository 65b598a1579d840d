package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/entitygraph/entitygraph/pkg/entity"
)

// maxRequestBody caps mutation request bodies. Entity bodies themselves are
// limited again, tighter, inside the write pipeline.
const maxRequestBody = 8 << 20

// decodeJSON decodes the request body into dst, rejecting unknown fields
// and oversized bodies.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return entity.NewInvalidArgumentError("invalid request body: " + err.Error())
	}
	return nil
}
