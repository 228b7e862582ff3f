/*
Package server implements msgpack IPC for entity linking services.

The server reads a stream of msgpack requests from stdin and writes one msgpack
response per request to stdout. Logs go to stderr so they never interleave with
frames.

# IPC

Every message carries an ID which is echoed back. Link requests look like:

	{"id": "req_001", "q": "who is huma abedin", "m": "dp", "t": -20}

"m" is "dp" (default) for the best segmentation or "topk" for the k best
candidates over all spans, in which case "k" sets the result count. Omitted
threshold and k fall back to the live defaults, which follow the config file
when it is watched.

The server responds with linked spans best first:

	{"id": "req_001", "s": [{"b": 7, "e": 18, "a": "huma abedin", "i": 1001, "n": "Huma Abedin", "sc": -1.73}], "c": 1, "t": 412}

"b" and "e" are byte offsets into the query, "t" the time taken in
microseconds.

Control requests use an action field:

	{"id": "ctl_001", "action": "stats"}
	{"id": "ctl_002", "action": "set_defaults", "t": -10, "k": 8}
	{"id": "ctl_003", "action": "get_defaults"}

Failures are reported as {"id", "e", "c"} with an HTTP-like status code.
*/
package server

import "github.com/bastiangx/entityserve/pkg/dictionary"

// LinkRequest is a segmentation or top-k request.
type LinkRequest struct {
	ID        string   `msgpack:"id"`
	Action    string   `msgpack:"action,omitempty"`
	Query     string   `msgpack:"q"`
	Mode      string   `msgpack:"m,omitempty"`
	Threshold *float64 `msgpack:"t,omitempty"`
	K         *int     `msgpack:"k,omitempty"`
}

// LinkedSpan is one span of a response.
type LinkedSpan struct {
	Start  int     `msgpack:"b"`
	End    int     `msgpack:"e"`
	Alias  string  `msgpack:"a"`
	Entity uint32  `msgpack:"i"`
	Name   string  `msgpack:"n,omitempty"`
	Score  float64 `msgpack:"sc"`
}

// LinkResponse answers a LinkRequest.
type LinkResponse struct {
	ID        string       `msgpack:"id"`
	Spans     []LinkedSpan `msgpack:"s"`
	Count     int          `msgpack:"c"`
	TimeTaken int64        `msgpack:"t"`
}

// StatsResponse answers the "stats" action.
type StatsResponse struct {
	ID       string                 `msgpack:"id"`
	Status   string                 `msgpack:"status"`
	Stats    dictionary.CorpusStats `msgpack:"stats"`
	Requests uint64                 `msgpack:"requests"`
}

// DefaultsResponse answers the defaults actions.
type DefaultsResponse struct {
	ID        string  `msgpack:"id"`
	Status    string  `msgpack:"status"`
	Threshold float64 `msgpack:"t"`
	K         int     `msgpack:"k"`
}

// LinkError holds basic error information for failed requests
type LinkError struct {
	ID    string `msgpack:"id"`
	Error string `msgpack:"e"`
	Code  int    `msgpack:"c"`
}
