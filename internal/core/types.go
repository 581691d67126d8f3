package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ValueKind is the storage type of a scalar exchanged with the storage
// engine.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
)

var kindNames = [...]string{"null", "integer", "real", "text", "blob"}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is a typed scalar: a query parameter or a result column.
type Value struct {
	Kind ValueKind
	Int  int64
	Real float64
	Text string
	Blob []byte
}

func Null() Value { return Value{Kind: KindNull} }
func Integer(i int64) Value { return Value{Kind: KindInteger, Int: i} }
func Real(f float64) Value { return Value{Kind: KindReal, Real: f} }
func Text(s string) Value { return Value{Kind: KindText, Text: s} }
func Blob(b []byte) Value { return Value{Kind: KindBlob, Blob: b} }

// Any returns the value in the form database/sql drivers accept.
func (v Value) Any() any {
	switch v.Kind {
	case KindInteger:
		return v.Int
	case KindReal:
		return v.Real
	case KindText:
		return v.Text
	case KindBlob:
		if v.Blob == nil {
			return []byte{}
		}
		return v.Blob
	default:
		return nil
	}
}

// FromAny converts a scanned driver value into a Value. Booleans become
// integers and times become RFC 3339 text.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case int64:
		return Integer(t), nil
	case int32:
		return Integer(int64(t)), nil
	case int:
		return Integer(int64(t)), nil
	case int16:
		return Integer(int64(t)), nil
	case float64:
		return Real(t), nil
	case float32:
		return Real(float64(t)), nil
	case string:
		return Text(t), nil
	case []byte:
		b := make([]byte, len(t))
		copy(b, t)
		return Blob(b), nil
	case bool:
		if t {
			return Integer(1), nil
		}
		return Integer(0), nil
	case time.Time:
		return Text(t.Format(time.RFC3339Nano)), nil
	default:
		return Value{}, fmt.Errorf("unsupported column type %T", x)
	}
}

// wireValue is the JSON form of a Value passed between Go and scripts.
// Integers travel as decimal strings so 64-bit values survive the trip.
type wireValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{T: v.Kind.String()}
	var err error
	switch v.Kind {
	case KindNull:
	case KindInteger:
		w.V, err = json.Marshal(strconv.FormatInt(v.Int, 10))
	case KindReal:
		w.V, err = json.Marshal(v.Real)
	case KindText:
		w.V, err = json.Marshal(v.Text)
	case KindBlob:
		w.V, err = json.Marshal(base64.StdEncoding.EncodeToString(v.Blob))
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.T {
	case "null":
		*v = Null()
	case "integer":
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return fmt.Errorf("integer value: %w", err)
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("integer value: %w", err)
		}
		*v = Integer(i)
	case "real":
		var f float64
		if err := json.Unmarshal(w.V, &f); err != nil {
			return fmt.Errorf("real value: %w", err)
		}
		*v = Real(f)
	case "text":
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return fmt.Errorf("text value: %w", err)
		}
		*v = Text(s)
	case "blob":
		var s string
		if err := json.Unmarshal(w.V, &s); err != nil {
			return fmt.Errorf("blob value: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("blob value: %w", err)
		}
		*v = Blob(b)
	default:
		return fmt.Errorf("unknown value type %q", w.T)
	}
	return nil
}

// Row is one result row in engine column order.
type Row []Value

// ResponseKind selects how a handler's return value is rendered.
type ResponseKind string

const (
	KindTextResponse ResponseKind = "text"
	KindJSONResponse ResponseKind = "json"
	KindHTMLResponse ResponseKind = "html"
)

// ParseResponseKind accepts "text", "json" or "html", case-insensitively.
// The empty string means text.
func ParseResponseKind(s string) (ResponseKind, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return KindTextResponse, nil
	case "json":
		return KindJSONResponse, nil
	case "html":
		return KindHTMLResponse, nil
	}
	return "", fmt.Errorf("unknown response kind %q", s)
}

// ContentType returns the default Content-Type for the kind.
func (k ResponseKind) ContentType() string {
	switch k {
	case KindJSONResponse:
		return "application/json"
	case KindHTMLResponse:
		return "text/html; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Identity is the caller identity attached by the identity collaborator.
type Identity struct {
	ID     string            `json:"id"`
	Email  string            `json:"email,omitempty"`
	Claims map[string]string `json:"claims,omitempty"`
}

// IdentityFunc extracts the caller identity from an incoming request. It
// returns nil for anonymous callers.
type IdentityFunc func(r *http.Request) *Identity

// Request is the dispatcher's view of an incoming request.
type Request struct {
	Method   string
	Path     string
	URI      string
	RawQuery string
	Header   http.Header
	Body     []byte
	Params   map[string]string
	User     *Identity
}

// Response is what a handler produced, ready to be written to the client.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}
