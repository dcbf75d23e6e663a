package wire

import (
	"github.com/tidwall/gjson"

	"github.com/quantlab/indicator-ls-go/internal/jsonrpc"
)

// RecoverRequestID makes a best-effort attempt to pull a request ID out of a
// payload that failed strict JSON decoding, so the Parse-error response can
// still be correlated by the client. When no ID is recoverable it returns
// ID 0, which is what the protocol answer carries in that case.
func RecoverRequestID(payload []byte) *jsonrpc.RequestID {
	id := gjson.GetBytes(payload, "id")
	switch id.Type {
	case gjson.String:
		return jsonrpc.NewRequestID(id.Str)
	case gjson.Number:
		if id.Num == float64(int64(id.Num)) {
			return jsonrpc.NewRequestID(int64(id.Num))
		}
		return jsonrpc.NewRequestID(id.Num)
	default:
		return jsonrpc.NewRequestID(0)
	}
}
