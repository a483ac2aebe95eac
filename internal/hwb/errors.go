package hwb

import "errors"

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTopology   = errors.New("invalid topology")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrHardware          = errors.New("hardware access failed")
)

// Kind is the error class reported to clients.
type Kind uint8

const (
	KindOK Kind = iota
	KindInvalidArgument
	KindInvalidTopology
	KindResourceExhausted
	KindNotFound
	KindConflict
	KindPermissionDenied
	KindHardware
	KindInternal
)

var kindErrors = []struct {
	kind Kind
	err  error
}{
	{KindInvalidArgument, ErrInvalidArgument},
	{KindInvalidTopology, ErrInvalidTopology},
	{KindResourceExhausted, ErrResourceExhausted},
	{KindNotFound, ErrNotFound},
	{KindConflict, ErrConflict},
	{KindPermissionDenied, ErrPermissionDenied},
	{KindHardware, ErrHardware},
}

// KindOf classifies err. Errors outside the taxonomy are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	for _, ke := range kindErrors {
		if errors.Is(err, ke.err) {
			return ke.kind
		}
	}
	return KindInternal
}

// Err returns the sentinel for k, nil for KindOK.
func (k Kind) Err() error {
	if k == KindOK {
		return nil
	}
	for _, ke := range kindErrors {
		if ke.kind == k {
			return ke.err
		}
	}
	return errors.New("internal error")
}

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindInternal:
		return "internal"
	}
	if err := k.Err(); err != nil && k < KindInternal {
		return err.Error()
	}
	return "unknown"
}
