package privacy

import "encoding/json"

// Result is either safe data or a suppression message. The zero value is
// suppressed with an empty message.
type Result[T any] struct {
	safe    bool
	data    T
	message string
}

func Safe[T any](data T) Result[T] {
	return Result[T]{safe: true, data: data}
}

func Suppressed[T any](message string) Result[T] {
	return Result[T]{message: message}
}

func (r Result[T]) IsSafe() bool { return r.safe }

// Unwrap returns the data and true for a safe result, or the zero value
// and false for a suppressed one.
func (r Result[T]) Unwrap() (T, bool) {
	if !r.safe {
		var zero T
		return zero, false
	}
	return r.data, true
}

func (r Result[T]) Message() string { return r.message }

// Map transforms safe data and passes suppression through untouched.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if !r.safe {
		return Suppressed[U](r.message)
	}
	return Safe(fn(r.data))
}

type safeBody[T any] struct {
	Safe bool `json:"safe"`
	Data T    `json:"data"`
}

type suppressedBody struct {
	Safe    bool   `json:"safe"`
	Message string `json:"message"`
}

// MarshalJSON writes {"safe":true,"data":...} or {"safe":false,"message":...}.
// A suppressed body never carries a data field.
func (r Result[T]) MarshalJSON() ([]byte, error) {
	if r.safe {
		return json.Marshal(safeBody[T]{Safe: true, Data: r.data})
	}
	return json.Marshal(suppressedBody{Safe: false, Message: r.message})
}

func (r *Result[T]) UnmarshalJSON(raw []byte) error {
	var envelope struct {
		Safe    bool            `json:"safe"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	if !envelope.Safe {
		*r = Suppressed[T](envelope.Message)
		return nil
	}
	var data T
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return err
		}
	}
	*r = Safe(data)
	return nil
}
