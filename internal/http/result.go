package httpapi

// Result success envelope expected by the web client: {success: true, data: ...}
type Result[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

// ErrorResult failure body, sent with a 4xx/5xx status
type ErrorResult struct {
	Error string `json:"error"`
}

func Ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

func Fail(message string) ErrorResult {
	return ErrorResult{Error: message}
}
