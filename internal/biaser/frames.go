package biaser

import (
	"math"
	"strconv"
	"strings"
)

// frame is one position within the JSON grammar automaton: it can try to
// consume the next byte of the value it produces, undo the most recent
// successful try, and report whether its production is currently complete.
// It mirrors tokenizer.Stepper but stays private to this package; the
// top-level automaton type adapts a frame to tokenizer.Stepper.
type frame interface {
	tryByte(b byte) bool
	untry()
	accepting() bool
}

// undoStack is embedded by every frame implementation below so each only
// has to describe how to reverse one committed byte.
type undoStack struct {
	ops []func()
}

func (u *undoStack) push(fn func()) { u.ops = append(u.ops, fn) }

func (u *undoStack) untry() {
	n := len(u.ops) - 1
	fn := u.ops[n]
	u.ops = u.ops[:n]
	fn()
}

func newFrame(n *schemaNode, compact bool) frame {
	switch n.Type {
	case "null":
		return &literalFrame{lit: "null"}
	case "boolean":
		return &literalFrame{candidates: []string{"true", "false"}}
	case "number":
		return &numberFrame{cfg: n.Number}
	case "string":
		return &stringFrame{cfg: n.String}
	case "array":
		return newArrayFrame(n.Array, compact)
	case "object":
		return newObjectFrame(n.Object, compact)
	default:
		return &literalFrame{lit: ""}
	}
}

// literalFrame accepts exactly one of a fixed set of literal byte strings
// (used for null and boolean).
type literalFrame struct {
	undoStack
	lit        string   // when non-empty and candidates is nil, the sole literal
	candidates []string // when set, the still-possible literals
	buf        []byte
}

func (f *literalFrame) tryByte(b byte) bool {
	lits := f.candidates
	if lits == nil {
		lits = []string{f.lit}
	}
	nb := append(append([]byte{}, f.buf...), b)
	var surviving []string
	for _, lit := range lits {
		if len(nb) <= len(lit) && string(nb) == lit[:len(nb)] {
			surviving = append(surviving, lit)
		}
	}
	if len(surviving) == 0 {
		return false
	}
	oldBuf, oldCand := f.buf, f.candidates
	f.buf = nb
	if f.candidates != nil {
		f.candidates = surviving
	}
	f.push(func() { f.buf, f.candidates = oldBuf, oldCand })
	return true
}

func (f *literalFrame) accepting() bool {
	s := string(f.buf)
	if f.candidates == nil {
		return s == f.lit
	}
	for _, c := range f.candidates {
		if s == c {
			return true
		}
	}
	return false
}

// numberFrame accepts a JSON numeric literal without exponent notation.
// Each tryByte reparses the prefix into sign, integer part, decimal point,
// and fractional digits, computes the interval of values every possible
// completion could still reach, and prunes the byte as soon as that
// interval no longer intersects [min, max] or the fractional part exceeds
// max_decimals.
type numberFrame struct {
	undoStack
	cfg NumberConfig
	buf []byte
}

func numberPrefixValid(s string) bool {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	if i == len(s) {
		return true
	}
	if s[i] == '0' {
		i++
	} else if s[i] >= '1' && s[i] <= '9' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
	} else {
		return false
	}
	if i == len(s) {
		return true
	}
	if s[i] != '.' {
		return false
	}
	i++
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i == len(s)
}

func numberComplete(s string) bool {
	if s == "" || s == "-" || strings.HasSuffix(s, ".") {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func fractionalDigits(s string) int {
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return len(s) - i - 1
}

// prefixRange computes the interval of final values every completion of the
// valid numeric prefix s could still produce. The prefix decomposes into an
// optional sign, an integer part, an optional decimal point, and fractional
// digits:
//
//	""        -> any number
//	"-"       -> any value <= 0
//	"12"      -> [12, +inf): more integer digits, a fraction, or stop
//	"0"       -> [0, 1): JSON forbids further integer digits after a
//	             leading zero, so only a fraction can follow
//	"12."     -> [12, 13): at least one fractional digit must follow
//	"12.5"    -> [12.5, 12.6): further digits only narrow the fraction;
//	             exactly 12.5 once maxDecimals forbids more digits
//
// A negative sign mirrors the magnitude interval. hiOpen reports that hi is
// a supremum no completion attains; loOpen the same for lo.
func prefixRange(s string, maxDecimals *int) (lo, hi float64, loOpen, hiOpen bool) {
	neg := strings.HasPrefix(s, "-")
	mag := strings.TrimPrefix(s, "-")

	var mLo, mHi float64
	var mHiOpen bool
	switch {
	case mag == "":
		mLo, mHi = 0, math.Inf(1)
	case !strings.Contains(mag, "."):
		v, _ := strconv.ParseFloat(mag, 64)
		if mag == "0" {
			mLo, mHi, mHiOpen = 0, 1, true
		} else {
			mLo, mHi = v, math.Inf(1)
		}
	case strings.HasSuffix(mag, "."):
		v, _ := strconv.ParseFloat(strings.TrimSuffix(mag, "."), 64)
		mLo, mHi, mHiOpen = v, v+1, true
	default:
		v, _ := strconv.ParseFloat(mag, 64)
		d := fractionalDigits(mag)
		if maxDecimals != nil && d >= *maxDecimals {
			mLo, mHi = v, v
		} else {
			mLo, mHi, mHiOpen = v, v+math.Pow(10, -float64(d)), true
		}
	}

	if neg {
		return -mHi, -mLo, mHiOpen, false
	}
	return mLo, mHi, false, mHiOpen
}

func (f *numberFrame) tryByte(b byte) bool {
	nb := string(f.buf) + string(b)
	if !numberPrefixValid(nb) {
		return false
	}
	if f.cfg.MaxDecimals != nil && fractionalDigits(nb) > *f.cfg.MaxDecimals {
		return false
	}
	if f.cfg.Min != nil || f.cfg.Max != nil {
		lo, hi, loOpen, hiOpen := prefixRange(nb, f.cfg.MaxDecimals)
		if f.cfg.Max != nil && (lo > *f.cfg.Max || (loOpen && lo >= *f.cfg.Max)) {
			return false
		}
		if f.cfg.Min != nil && (hi < *f.cfg.Min || (hiOpen && hi <= *f.cfg.Min)) {
			return false
		}
	}
	old := f.buf
	f.buf = []byte(nb)
	f.push(func() { f.buf = old })
	return true
}

func (f *numberFrame) accepting() bool {
	s := string(f.buf)
	if !numberComplete(s) {
		return false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false
	}
	if f.cfg.Min != nil && v < *f.cfg.Min {
		return false
	}
	if f.cfg.Max != nil && v > *f.cfg.Max {
		return false
	}
	return true
}

// stringFrame accepts a quoted JSON string. Escapes are supported for plain
// strings; when Enum is configured, escapes are disallowed so the
// accumulated content can be compared against the enum members verbatim.
type stringFrame struct {
	undoStack
	cfg     StringConfig
	opened  bool
	closed  bool
	escaped bool
	unicode int // remaining hex digits of a \uXXXX escape
	content []byte
}

const jsonEscapeChars = `"\/bfnrt`

func (f *stringFrame) tryByte(b byte) bool {
	if f.closed {
		return false
	}
	commit := func(undo func()) bool {
		f.push(undo)
		return true
	}

	if !f.opened {
		if b != '"' {
			return false
		}
		f.opened = true
		return commit(func() { f.opened = false })
	}

	if f.unicode > 0 {
		if !isHexDigit(b) {
			return false
		}
		f.unicode--
		return commit(func() { f.unicode++ })
	}

	if f.escaped {
		if b == 'u' {
			f.escaped = false
			f.unicode = 4
			return commit(func() { f.escaped, f.unicode = true, 0 })
		}
		if strings.IndexByte(jsonEscapeChars, b) < 0 {
			return false
		}
		f.escaped = false
		old := f.content
		f.content = append(append([]byte{}, f.content...), b)
		return commit(func() { f.escaped, f.content = true, old })
	}

	if b == '"' {
		if f.cfg.Enum != nil {
			matched := false
			for _, e := range f.cfg.Enum {
				if e == string(f.content) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
		f.closed = true
		return commit(func() { f.closed = false })
	}

	if b == '\\' {
		if f.cfg.Enum != nil {
			return false
		}
		if f.cfg.MaxLength != nil && len(f.content) >= *f.cfg.MaxLength {
			return false
		}
		f.escaped = true
		return commit(func() { f.escaped = false })
	}

	if b < 0x20 {
		return false
	}
	if f.cfg.MaxLength != nil && len(f.content) >= *f.cfg.MaxLength {
		return false
	}
	if f.cfg.Enum != nil {
		candidate := string(f.content) + string(b)
		ok := false
		for _, e := range f.cfg.Enum {
			if strings.HasPrefix(e, candidate) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	old := f.content
	f.content = append(append([]byte{}, f.content...), b)
	return commit(func() { f.content = old })
}

func (f *stringFrame) accepting() bool { return f.closed }

// matchedContent returns the string's accumulated content once closed; used
// by objectFrame to recover which property key a key-frame matched. Escape
// sequences are not decoded, which is exact for enum-constrained key frames
// since those reject escapes.
func (f *stringFrame) matchedContent() string { return string(f.content) }

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}
