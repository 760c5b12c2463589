// Package kfmt provides a minimal, allocation-free Printf implementation
// that is safe to call at any point during kernel initialization, including
// before the Go allocator has been bootstrapped.
package kfmt

import "io"

// numBufSize is large enough for a 64-bit value in base 8 plus a sign.
const numBufSize = 24

var (
	errMissingArg   = []byte("%!(MISSING)")
	errBadVerb      = []byte("%!(NOVERB)")
	errBadArgType   = []byte("%!(WRONGTYPE)")
	errExtraArg     = []byte("%!(EXTRA)")
	boolText        = [2][]byte{[]byte("false"), []byte("true")}
	digits          = "0123456789abcdef"
	numBuf          [numBufSize]byte
	byteBuf         [1]byte

	// earlyBuffer captures output emitted before a sink is registered
	// (e.g. pmm logging its managed range before the console driver is up).
	earlyBuffer ringBuffer

	// outputSink receives all Printf output once registered. While nil,
	// output accumulates in earlyBuffer.
	outputSink io.Writer
)

// SetOutputSink registers w as the target for Printf output and drains any
// output buffered while no sink was available.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// Printf formats its arguments and writes them to the registered output
// sink, or to the early boot ring buffer if no sink has been registered
// yet.
//
// The supported verbs are a subset of the ones implemented by fmt.Printf:
//
//	%s  string or []byte
//	%d  integer, base 10
//	%x  integer, base 16, lower-case, zero-padded when a width is given
//	%o  integer, base 8
//	%t  bool
//
// An optional decimal width may precede the verb; narrower values are
// left-padded. Only built-in integer, string and bool types are understood:
// the formatter deliberately avoids the reflect package, since importing it
// makes the compiler emit allocating conversions for the argument slice.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		i        int
	)

	for i < len(format) {
		if format[i] != '%' {
			writeByte(w, format[i])
			i++
			continue
		}

		// Parse an optional width between the '%' and the verb.
		width := 0
		i++
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			write(w, errBadVerb)
			break
		}

		verb := format[i]
		i++

		if verb == '%' {
			writeByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			write(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			writeInt(w, args[argIndex], 10, width)
		case 'x':
			writeInt(w, args[argIndex], 16, width)
		case 'o':
			writeInt(w, args[argIndex], 8, width)
		case 's':
			writeString(w, args[argIndex], width)
		case 't':
			writeBool(w, args[argIndex])
		default:
			write(w, errBadVerb)
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, errExtraArg)
	}
}

// writeBool emits "true" or "false".
func writeBool(w io.Writer, v interface{}) {
	b, isBool := v.(bool)
	if !isBool {
		write(w, errBadArgType)
		return
	}

	if b {
		write(w, boolText[1])
		return
	}
	write(w, boolText[0])
}

// writeString emits a string or []byte value left-padded with spaces up to
// width characters.
func writeString(w io.Writer, v interface{}, width int) {
	switch val := v.(type) {
	case string:
		for pad := width - len(val); pad > 0; pad-- {
			writeByte(w, ' ')
		}
		// Converting the string to []byte would allocate; emit it one
		// byte at a time instead.
		for i := 0; i < len(val); i++ {
			writeByte(w, val[i])
		}
	case []byte:
		for pad := width - len(val); pad > 0; pad-- {
			writeByte(w, ' ')
		}
		write(w, val)
	default:
		write(w, errBadArgType)
	}
}

// writeInt emits an integer value in the requested base. Base-16 and base-8
// output is zero-padded, base-10 output space-padded up to width characters.
func writeInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		uval     uint64
		negative bool
	)

	switch val := v.(type) {
	case uint8:
		uval = uint64(val)
	case uint16:
		uval = uint64(val)
	case uint32:
		uval = uint64(val)
	case uint64:
		uval = val
	case uint:
		uval = uint64(val)
	case uintptr:
		uval = uint64(val)
	case int8:
		negative = val < 0
		uval = abs64(int64(val))
	case int16:
		negative = val < 0
		uval = abs64(int64(val))
	case int32:
		negative = val < 0
		uval = abs64(int64(val))
	case int64:
		negative = val < 0
		uval = abs64(val)
	case int:
		negative = val < 0
		uval = abs64(int64(val))
	default:
		write(w, errBadArgType)
		return
	}

	// Render digits right to left into numBuf.
	end := numBufSize
	for {
		end--
		numBuf[end] = digits[uval%base]
		uval /= base
		if uval == 0 {
			break
		}
	}

	if negative && base == 10 {
		end--
		numBuf[end] = '-'
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}
	for width > numBufSize-end && end > 0 {
		end--
		numBuf[end] = padCh
	}

	write(w, numBuf[end:])
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// writeByte emits a single byte through the shared single-byte buffer to
// avoid allocating a slice per call.
func writeByte(w io.Writer, b byte) {
	byteBuf[0] = b
	write(w, byteBuf[:])
}

// write sends p to the supplied writer, falling back to the early boot ring
// buffer when no writer is available.
func write(w io.Writer, p []byte) {
	if w == nil {
		earlyBuffer.Write(p)
		return
	}
	w.Write(p)
}
