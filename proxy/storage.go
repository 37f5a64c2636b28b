package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/jkoelker/solara-proxy/log"
	"github.com/jkoelker/solara-proxy/storage"
)

// maxStorageBodyBytes bounds storage write and delete bodies.
const maxStorageBodyBytes = 5 << 20

// Error bodies of the storage endpoint.
const (
	invalidPayloadText   = "Invalid payload"
	methodNotAllowedText = "Method not allowed"
	storageFailedText    = "Storage operation failed"
)

// storageReadResponse is the body of a storage read. Data is omitted for
// status-only reads.
type storageReadResponse struct {
	Available bool `json:"d1Available"`
	Data      any  `json:"data,omitempty"`
}

type storageWriteResponse struct {
	Available bool `json:"d1Available"`
	Updated   int  `json:"updated"`
}

type storageDeleteResponse struct {
	Available bool `json:"d1Available"`
	Deleted   int  `json:"deleted"`
}

type storageErrorResponse struct {
	Error string `json:"error"`
}

// storageRequest is the body of a write or delete. Fields are kept raw so
// their shape can be validated separately.
type storageRequest struct {
	Data json.RawMessage `json:"data"`
	Keys json.RawMessage `json:"keys"`
}

// handleStorage serves the key-value persistence endpoint.
func (g *Gateway) handleStorage(writer http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodOptions:
		setStorageHeaders(writer)
		writer.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		g.handleStorageGet(writer, request)
	case http.MethodPost:
		g.handleStoragePost(writer, request)
	case http.MethodDelete:
		g.handleStorageDelete(writer, request)
	default:
		writeStorageJSON(writer, request, http.StatusMethodNotAllowed, storageErrorResponse{Error: methodNotAllowedText})
	}
}

func (g *Gateway) handleStorageGet(writer http.ResponseWriter, request *http.Request) {
	if !g.storage.Available() {
		writeStorageJSON(writer, request, http.StatusOK, storageReadResponse{Data: map[string]string{}})

		return
	}

	query := request.URL.Query()

	if query.Get("status") != "" {
		writeStorageJSON(writer, request, http.StatusOK, storageReadResponse{Available: true})

		return
	}

	ctx := request.Context()

	keys := parseKeysParam(query.Get("keys"))
	if len(keys) > 0 {
		data, err := g.storage.GetMany(ctx, keys)
		if err != nil {
			g.writeStorageFailure(writer, request, err, "read")

			return
		}

		writeStorageJSON(writer, request, http.StatusOK, storageReadResponse{Available: true, Data: data})

		return
	}

	data, err := g.storage.GetAll(ctx)
	if err != nil {
		g.writeStorageFailure(writer, request, err, "read_all")

		return
	}

	writeStorageJSON(writer, request, http.StatusOK, storageReadResponse{Available: true, Data: data})
}

func (g *Gateway) handleStoragePost(writer http.ResponseWriter, request *http.Request) {
	if !g.storage.Available() {
		writeStorageJSON(writer, request, http.StatusOK, storageReadResponse{Data: map[string]string{}})

		return
	}

	body := readStorageRequest(writer, request)

	entries, err := storage.DecodeEntries(body.Data)
	if err != nil {
		log.Debug(request.Context(), "Rejected storage write", "error", err.Error())
		writeStorageJSON(writer, request, http.StatusBadRequest, storageErrorResponse{Error: invalidPayloadText})

		return
	}

	updated, err := g.storage.PutMany(request.Context(), entries)
	if err != nil {
		g.writeStorageFailure(writer, request, err, "upsert")

		return
	}

	writeStorageJSON(writer, request, http.StatusOK, storageWriteResponse{Available: true, Updated: updated})
}

func (g *Gateway) handleStorageDelete(writer http.ResponseWriter, request *http.Request) {
	if !g.storage.Available() {
		writeStorageJSON(writer, request, http.StatusOK, storageReadResponse{})

		return
	}

	body := readStorageRequest(writer, request)

	keys, err := storage.DecodeKeys(body.Keys)
	if err != nil {
		log.Debug(request.Context(), "Rejected storage delete", "error", err.Error())
		writeStorageJSON(writer, request, http.StatusBadRequest, storageErrorResponse{Error: invalidPayloadText})

		return
	}

	deleted, err := g.storage.DeleteMany(request.Context(), keys)
	if err != nil {
		g.writeStorageFailure(writer, request, err, "delete")

		return
	}

	writeStorageJSON(writer, request, http.StatusOK, storageDeleteResponse{Available: true, Deleted: deleted})
}

func (g *Gateway) writeStorageFailure(writer http.ResponseWriter, request *http.Request, err error, operation string) {
	log.Error(request.Context(), err, "Storage operation failed", "operation", operation)
	writeStorageJSON(writer, request, http.StatusInternalServerError, storageErrorResponse{Error: storageFailedText})
}

// readStorageRequest decodes the request body. An unreadable or non-object
// body decodes as an empty request.
func readStorageRequest(writer http.ResponseWriter, request *http.Request) storageRequest {
	var body storageRequest

	data, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, maxStorageBodyBytes))
	if err != nil {
		log.Debug(request.Context(), "Failed to read storage body", "error", err.Error())

		return storageRequest{}
	}

	if err := json.Unmarshal(data, &body); err != nil {
		log.Debug(request.Context(), "Storage body is not a JSON object", "error", err.Error())

		return storageRequest{}
	}

	return body
}

// parseKeysParam splits a comma-separated keys parameter, trimming entries
// and dropping empty ones.
func parseKeysParam(raw string) []string {
	var keys []string

	for key := range strings.SplitSeq(raw, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}

	return keys
}

// setStorageHeaders sets the JSON and CORS headers every storage response
// carries.
func setStorageHeaders(writer http.ResponseWriter) {
	header := writer.Header()
	header.Set("Content-Type", "application/json")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeStorageJSON(writer http.ResponseWriter, request *http.Request, status int, body any) {
	setStorageHeaders(writer)
	writer.WriteHeader(status)

	if err := json.NewEncoder(writer).Encode(body); err != nil {
		log.Error(request.Context(), err, "Failed to encode storage response")
	}
}
