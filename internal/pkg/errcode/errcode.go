package errcode

const (
	ErrUnknown = 10000000 + iota
	ErrUnauthorized
	ErrInvalid
	ErrTooMany
	ErrInternal
	ErrInvalidFile
	ErrResourceExhausted
	ErrEmbeddingFailed
	ErrStorageFailed
	ErrRetrievalFailed
	ErrGenerationFailed
	ErrGenerationTimeout
	ErrAIUnavailable
)
