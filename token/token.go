// Package token implements the ForwardCom source lexer: it splits a
// file into lines and tokens (spec.md §4.1), classifying identifiers
// against keyword/operator/instruction/register lookup tables. It is
// the Go-native cousin of the teacher's vputils.Tokenize, generalized
// from "split on whitespace" to a full classifying scanner.
package token

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/forwardcom/fctools/strtab"
)

// Kind is the classification of a Token, matching spec.md §3's Token
// data model one-for-one.
type Kind uint8

const (
	KindEOF Kind = iota
	KindName
	KindLabel
	KindSection
	KindInstruction
	KindOperator
	KindNumber
	KindFloat
	KindChar
	KindString
	KindDirective
	KindAttribute
	KindType
	KindOption
	KindRegister
	KindSymbolRef
	KindExprRef
	KindHLLKeyword
	KindError
)

func (k Kind) String() string {
	names := [...]string{"EOF", "Name", "Label", "Section", "Instruction", "Operator",
		"Number", "Float", "Char", "String", "Directive", "Attribute", "Type",
		"Option", "Register", "SymbolRef", "ExprRef", "HLLKeyword", "Error"}
	if int(k) < len(names) {
		return names[k]
	}
	return "?"
}

// Token is one lexical unit. Offset/Length index into the originating
// file's byte slice so diagnostics can point back at exact source
// spans (spec.md §7).
type Token struct {
	Kind     Kind
	ID       int    // keyword id, operator code, or register/instruction table index
	Offset   int    // file byte offset
	Length   int    // span length in bytes
	Priority int    // operator precedence, 0 for non-operators
	IntVal   int64  // literal integer/char value
	FloatVal float64
	StrOff   uint32 // string-buffer index, for KindString
	Text     string // verbatim spelling, kept for names not yet resolved to a symbol
}

// LineKind is the kind the lexer assigns to one physical source line
// from its first token (spec.md §3); later passes do not change it.
type LineKind uint8

const (
	LineData LineKind = iota
	LineCode
	LinePublic
	LineMeta
	LineFunction
	LineSection
	LineEnd
	LineError
	LineBlank
)

type Line struct {
	Kind      LineKind
	FirstTok  int
	NumTok    int
	File      string
	SourceRow int
}

// Operator flags encode "followed by =", "doubled", "tripled" and
// "unsigned variant" on top of the ASCII base character, per spec.md
// §4.1.
const (
	OpFlagAssign = 1 << 8 // e.g. "+="
	OpFlagDouble = 1 << 9 // e.g. "&&", "<<"
	OpFlagTriple = 1 << 10
	OpFlagUnsigned = 1 << 11 // e.g. ">>>" unsigned shift
)

// operator priorities mirror standard C precedence, highest binds
// tightest.
const (
	precTernary = 1
	precLogOr   = 2
	precLogAnd  = 3
	precBitOr   = 4
	precBitXor  = 5
	precBitAnd  = 6
	precEq      = 7
	precRel     = 8
	precShift   = 9
	precAdd     = 10
	precMul     = 11
	precUnary   = 12
)

type opDef struct {
	text string
	code int
	prio int
}

// operator table, longest-match-first order matters for the scanner.
var operatorTable = []opDef{
	{">>>", '>' | OpFlagDouble | OpFlagUnsigned, precShift},
	{"<<=", '<' | OpFlagDouble | OpFlagAssign, precShift},
	{">>=", '>' | OpFlagDouble | OpFlagAssign, precShift},
	{"==", '=' | OpFlagDouble, precEq},
	{"!=", '!' | OpFlagDouble, precEq},
	{"<=", '<' | OpFlagAssign, precRel},
	{">=", '>' | OpFlagAssign, precRel},
	{"<<", '<' | OpFlagDouble, precShift},
	{">>", '>' | OpFlagDouble, precShift},
	{"&&", '&' | OpFlagDouble, precLogAnd},
	{"||", '|' | OpFlagDouble, precLogOr},
	{"+=", '+' | OpFlagAssign, precUnary},
	{"-=", '-' | OpFlagAssign, precUnary},
	{"*=", '*' | OpFlagAssign, precUnary},
	{"/=", '/' | OpFlagAssign, precUnary},
	{"+", '+', precAdd},
	{"-", '-', precAdd},
	{"*", '*', precMul},
	{"/", '/', precMul},
	{"%", '%', precMul},
	{"&", '&', precBitAnd},
	{"|", '|', precBitOr},
	{"^", '^', precBitXor},
	{"~", '~', precUnary},
	{"!", '!', precUnary},
	{"=", '=', precUnary},
	{"<", '<', precRel},
	{">", '>', precRel},
	{"?", '?', precTernary},
	{":", ':', precTernary},
	{",", ',', 0},
	{"(", '(', 0},
	{")", ')', 0},
	{"[", '[', 0},
	{"]", ']', 0},
	{"{", '{', 0},
	{"}", '}', 0},
	{".", '.', 0},
	{"@", '@', 0},
}

// Keywords bundles the map-based classification tables the lexer
// consults. All lookups are case-insensitive, per spec.md §4.1.
type Keywords struct {
	directives   map[string]int
	attributes   map[string]int
	types        map[string]int
	options      map[string]int
	hll          map[string]int
	registers    map[string]int
	instructions map[string]int
}

// Directive ids.
const (
	DirSection = iota + 1
	DirFunction
	DirEnd
	DirPublic
	DirExtern
	DirAlign
)

// Attribute ids.
const (
	AttRead = iota + 1
	AttWrite
	AttExec
	AttAlign
	AttWeak
	AttUninit
	AttComdat
	AttConstant
)

// Type ids (subset actually decoded by the encoder; the lexer accepts
// the full set from spec.md §6).
const (
	TypeInt8 = iota + 1
	TypeInt16
	TypeInt32
	TypeInt64
	TypeInt128
	TypeUInt8
	TypeUInt16
	TypeUInt32
	TypeUInt64
	TypeFloat16
	TypeFloat32
	TypeFloat64
	TypeFloat128
	TypeString
)

// Option ids.
const (
	OptMask = iota + 1
	OptFallback
	OptLength
	OptBroadcast
	OptLimit
	OptScalar
	OptOptions
)

// HLL keyword ids.
const (
	HLLIf = iota + 1
	HLLElse
	HLLWhile
	HLLDo
	HLLFor
	HLLIn
	HLLSwitch
	HLLCase
	HLLDefault
	HLLBreak
	HLLContinue
	HLLReturn
)

// NewKeywords builds the default table set.
func NewKeywords() *Keywords {
	k := &Keywords{
		directives: map[string]int{
			"section": DirSection, "function": DirFunction, "end": DirEnd,
			"public": DirPublic, "extern": DirExtern, "align": DirAlign,
		},
		attributes: map[string]int{
			"read": AttRead, "write": AttWrite, "execute": AttExec,
			"weak": AttWeak, "uninit": AttUninit, "comdat": AttComdat, "constant": AttConstant,
		},
		types: map[string]int{
			"int8": TypeInt8, "int16": TypeInt16, "int32": TypeInt32, "int64": TypeInt64, "int128": TypeInt128,
			"uint8": TypeUInt8, "uint16": TypeUInt16, "uint32": TypeUInt32, "uint64": TypeUInt64,
			"float16": TypeFloat16, "float32": TypeFloat32, "float64": TypeFloat64, "float128": TypeFloat128,
			"string": TypeString,
		},
		options: map[string]int{
			"mask": OptMask, "fallback": OptFallback, "length": OptLength,
			"broadcast": OptBroadcast, "limit": OptLimit, "scalar": OptScalar, "options": OptOptions,
		},
		hll: map[string]int{
			"if": HLLIf, "else": HLLElse, "while": HLLWhile, "do": HLLDo, "for": HLLFor,
			"in": HLLIn, "switch": HLLSwitch, "case": HLLCase, "default": HLLDefault,
			"break": HLLBreak, "continue": HLLContinue, "return": HLLReturn,
		},
		registers:    map[string]int{"sp": 32, "ip": 33, "datap": 34, "threadp": 35},
		instructions: map[string]int{},
	}
	for i := 0; i < 32; i++ {
		k.registers[fmt.Sprintf("r%d", i)] = i
		k.registers[fmt.Sprintf("v%d", i)] = 64 + i
	}
	return k
}

// AddInstruction registers a mnemonic (case-insensitive) so the lexer
// classifies it as KindInstruction with the given instruction-table id.
func (k *Keywords) AddInstruction(name string, id int) {
	k.instructions[strings.ToLower(name)] = id
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isAlpha(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
func isAlnum(c byte) bool { return isAlpha(c) || isDigit(c) }
func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' }

// Lexer scans a whole file's bytes into a flat token stream plus line
// records, mirroring how the pass driver consumes tokens (spec.md
// §4.6 pass 1). It is stateful only across lines within one file, to
// support block comments spanning newlines.
type Lexer struct {
	kw            *Keywords
	strs          *strtab.Buffer
	inBlockCmt    bool
	Tokens        []Token
	Lines         []Line
}

// NewLexer creates a lexer that stores string literals into strs.
func NewLexer(kw *Keywords, strs *strtab.Buffer) *Lexer {
	return &Lexer{kw: kw, strs: strs}
}

// ScanFile tokenizes src (the full contents of file), appending to
// l.Tokens and l.Lines.
func (l *Lexer) ScanFile(file, src string) {
	l.inBlockCmt = false
	offset := 0
	row := 1
	for offset <= len(src) {
		lineEnd := strings.IndexByte(src[offset:], '\n')
		var lineText string
		var next int
		if lineEnd < 0 {
			lineText = src[offset:]
			next = len(src) + 1
		} else {
			lineText = src[offset : offset+lineEnd]
			next = offset + lineEnd + 1
		}
		l.scanLine(file, row, offset, lineText)
		if lineEnd < 0 {
			break
		}
		offset = next
		row++
	}
}

func (l *Lexer) scanLine(file string, row, baseOffset int, text string) {
	first := len(l.Tokens)
	i := 0
	n := len(text)

	for i < n {
		c := text[i]

		if l.inBlockCmt {
			end := strings.Index(text[i:], "*/")
			if end < 0 {
				i = n
				break
			}
			i += end + 2
			l.inBlockCmt = false
			continue
		}

		if isSpace(c) {
			i++
			continue
		}

		if c == '/' && i+1 < n && text[i+1] == '/' {
			break // line comment: rest of line ignored
		}
		if c == '/' && i+1 < n && text[i+1] == '*' {
			i += 2
			l.inBlockCmt = true
			continue
		}

		start := i
		switch {
		case isAlpha(c):
			j := i + 1
			for j < n && isAlnum(text[j]) {
				j++
			}
			word := text[start:j]
			if j < n && text[j] == ':' {
				l.Tokens = append(l.Tokens, Token{Kind: KindLabel, Offset: baseOffset + start, Length: j + 1 - start, Text: word})
				i = j + 1
				continue
			}
			l.Tokens = append(l.Tokens, l.classifyWord(word, baseOffset+start, j-start))
			i = j

		case isDigit(c):
			tok, consumed := l.scanNumber(text[start:], baseOffset+start)
			l.Tokens = append(l.Tokens, tok)
			i += consumed

		case c == '\'':
			tok, consumed := l.scanCharLiteral(text[start:], baseOffset+start)
			l.Tokens = append(l.Tokens, tok)
			i += consumed

		case c == '"':
			tok, consumed := l.scanStringLiteral(text[start:], baseOffset+start)
			l.Tokens = append(l.Tokens, tok)
			i += consumed

		case c == '%':
			j := i + 1
			for j < n && isAlnum(text[j]) {
				j++
			}
			l.Tokens = append(l.Tokens, Token{Kind: KindDirective, ID: 0, Offset: baseOffset + start, Length: j - start, Text: text[start:j]})
			i = j

		default:
			opTok, consumed, ok := matchOperator(text[i:], baseOffset+i)
			if !ok {
				l.Tokens = append(l.Tokens, Token{Kind: KindError, Offset: baseOffset + i, Length: 1, Text: string(c)})
				i++
				continue
			}
			l.Tokens = append(l.Tokens, opTok)
			i += consumed
		}
	}

	kind := LineBlank
	if len(l.Tokens) > first {
		kind = classifyLine(l.Tokens[first])
	}
	l.Lines = append(l.Lines, Line{Kind: kind, FirstTok: first, NumTok: len(l.Tokens) - first, File: file, SourceRow: row})
}

func classifyLine(first Token) LineKind {
	switch first.Kind {
	case KindError:
		return LineError
	case KindDirective:
		return LineMeta
	default:
		return LineCode // any other first token; later passes do not reclassify it
	}
}

func (l *Lexer) classifyWord(word string, offset, length int) Token {
	lower := strings.ToLower(word)

	if id, ok := l.kw.directives[lower]; ok {
		return Token{Kind: KindDirective, ID: id, Offset: offset, Length: length, Text: word}
	}
	if id, ok := l.kw.attributes[lower]; ok {
		return Token{Kind: KindAttribute, ID: id, Offset: offset, Length: length, Text: word}
	}
	if id, ok := l.kw.types[lower]; ok {
		return Token{Kind: KindType, ID: id, Offset: offset, Length: length, Text: word}
	}
	if id, ok := l.kw.options[lower]; ok {
		return Token{Kind: KindOption, ID: id, Offset: offset, Length: length, Text: word}
	}
	if id, ok := l.kw.hll[lower]; ok {
		return Token{Kind: KindHLLKeyword, ID: id, Offset: offset, Length: length, Text: word}
	}
	if id, ok := l.kw.registers[lower]; ok {
		return Token{Kind: KindRegister, ID: id, Offset: offset, Length: length, Text: word}
	}
	if id, ok := l.kw.instructions[lower]; ok {
		return Token{Kind: KindInstruction, ID: id, Offset: offset, Length: length, Text: word}
	}
	return Token{Kind: KindName, Offset: offset, Length: length, Text: word}
}

func (l *Lexer) scanNumber(text string, offset int) (Token, int) {
	n := len(text)
	j := 0
	base := 10
	isFloat := false

	if n >= 2 && text[0] == '0' && (text[1] == 'x' || text[1] == 'X') {
		base = 16
		j = 2
		for j < n && isHex(text[j]) {
			j++
		}
	} else if n >= 2 && text[0] == '0' && (text[1] == 'b' || text[1] == 'B') {
		base = 2
		j = 2
		for j < n && (text[j] == '0' || text[j] == '1') {
			j++
		}
	} else if n >= 2 && text[0] == '0' && (text[1] == 'o' || text[1] == 'O') {
		base = 8
		j = 2
		for j < n && text[j] >= '0' && text[j] <= '7' {
			j++
		}
	} else {
		j = 0
		for j < n && isDigit(text[j]) {
			j++
		}
		if j < n && text[j] == '.' && j+1 < n && isDigit(text[j+1]) {
			isFloat = true
			j++
			for j < n && isDigit(text[j]) {
				j++
			}
		}
		if j < n && (text[j] == 'e' || text[j] == 'E') {
			k := j + 1
			if k < n && (text[k] == '+' || text[k] == '-') {
				k++
			}
			if k < n && isDigit(text[k]) {
				isFloat = true
				j = k
				for j < n && isDigit(text[j]) {
					j++
				}
			}
		}
	}

	spelling := text[:j]
	if isFloat {
		f, _ := strconv.ParseFloat(spelling, 64)
		return Token{Kind: KindFloat, Offset: offset, Length: j, FloatVal: f, Text: spelling}, j
	}
	digits := spelling
	switch base {
	case 16:
		digits = spelling[2:]
	case 2:
		digits = spelling[2:]
	case 8:
		digits = spelling[2:]
	}
	v, _ := strconv.ParseUint(digits, base, 64)
	return Token{Kind: KindNumber, Offset: offset, Length: j, IntVal: int64(v), Text: spelling}, j
}

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// scanCharLiteral packs a single-quoted literal into an int64, up to
// 8 bytes, little-endian, per spec.md §4.1.
func (l *Lexer) scanCharLiteral(text string, offset int) (Token, int) {
	n := len(text)
	j := 1
	var packed uint64
	count := 0
	for j < n && text[j] != '\'' && count < 8 {
		ch := text[j]
		if ch == '\\' && j+1 < n {
			j++
			ch = unescape(text[j])
		}
		packed |= uint64(ch) << (8 * count)
		count++
		j++
	}
	if j >= n || text[j] != '\'' {
		return Token{Kind: KindError, Offset: offset, Length: j, Text: text[:j]}, j
	}
	j++
	return Token{Kind: KindChar, Offset: offset, Length: j, IntVal: int64(packed), Text: text[:j]}, j
}

func (l *Lexer) scanStringLiteral(text string, offset int) (Token, int) {
	n := len(text)
	var b strings.Builder
	j := 1
	for j < n && text[j] != '"' {
		ch := text[j]
		if ch == '\\' && j+1 < n {
			j++
			ch = unescape(text[j])
		}
		b.WriteByte(ch)
		j++
	}
	if j >= n {
		return Token{Kind: KindError, Offset: offset, Length: j, Text: text[:j]}, j
	}
	j++ // closing quote
	off := l.strs.Add(b.String())
	return Token{Kind: KindString, Offset: offset, Length: j, StrOff: off, Text: text[:j]}, j
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case '0':
		return 0
	case 'r':
		return '\r'
	default:
		return c
	}
}

func matchOperator(text string, offset int) (Token, int, bool) {
	for _, op := range operatorTable {
		if strings.HasPrefix(text, op.text) {
			return Token{Kind: KindOperator, ID: op.code, Offset: offset, Length: len(op.text), Priority: op.prio, Text: op.text}, len(op.text), true
		}
	}
	return Token{}, 0, false
}
