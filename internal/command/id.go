package command

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/skshohagmiah/rally/internal/protocol"
)

// MaxArity is the largest parameter count a command can declare.
const MaxArity = 6

var (
	ErrUnknownCommand   = errors.New("command: unknown command")
	ErrDuplicateCommand = errors.New("command: command already registered")
	ErrArityMismatch    = errors.New("command: handler arity does not match command")
	ErrParamType        = errors.New("command: handler parameter type does not match command")
	ErrArgCount         = errors.New("command: wrong number of arguments")
	ErrTrailingBytes    = errors.New("command: trailing bytes after arguments")
)

// Id names a remote command and fixes its parameter schema. Both peers
// declare the same Id; the schema decides how arguments are encoded.
type Id struct {
	name   string
	params []protocol.Codec
}

// NewId declares a command. More than MaxArity parameters is a programming
// error and panics.
func NewId(name string, params ...protocol.Codec) Id {
	if name == "" {
		panic("command: empty command name")
	}
	if len(params) > MaxArity {
		panic(fmt.Sprintf("command: %q declares %d parameters, max %d", name, len(params), MaxArity))
	}
	return Id{name: name, params: append([]protocol.Codec(nil), params...)}
}

func (id Id) Name() string { return id.name }

func (id Id) Arity() int { return len(id.params) }

// Params returns a copy of the parameter schema.
func (id Id) Params() []protocol.Codec {
	return append([]protocol.Codec(nil), id.params...)
}

func (id Id) String() string {
	names := make([]string, len(id.params))
	for i, c := range id.params {
		names[i] = c.Name()
	}
	return id.name + "(" + strings.Join(names, ", ") + ")"
}

// Args are decoded command arguments in declaration order.
type Args []any

// Encode builds the payload for a call to id, checking the argument count
// and every argument's type.
func Encode(id Id, args ...any) ([]byte, error) {
	if len(args) != len(id.params) {
		return nil, errors.Wrapf(ErrArgCount, "%s: got %d, want %d", id.name, len(args), len(id.params))
	}
	n := 0
	for i, c := range id.params {
		size, err := c.Length(args[i])
		if err != nil {
			return nil, errors.Wrapf(err, "%s: argument %d", id.name, i)
		}
		n += size
	}
	w := protocol.NewWriterSize(n)
	for i, c := range id.params {
		if err := c.Write(w, args[i]); err != nil {
			return nil, errors.Wrapf(err, "%s: argument %d", id.name, i)
		}
	}
	return w.Bytes(), nil
}

// Decode reads exactly id's arguments from payload. Leftover bytes are an
// error.
func Decode(id Id, payload []byte) (Args, error) {
	r := protocol.NewBytesReader(payload)
	args := make(Args, len(id.params))
	for i, c := range id.params {
		v, err := c.Read(r)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: argument %d", id.name, i)
		}
		args[i] = v
	}
	if r.Remaining() != 0 {
		return nil, errors.Wrapf(ErrTrailingBytes, "%s: %d bytes", id.name, r.Remaining())
	}
	return args, nil
}
