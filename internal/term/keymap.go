package term

// BIOS key words are scan<<8 | ascii, as returned by INT 16h.

var asciiScanCodes = [128]byte{
	0x1b: 0x01,
	'1': 0x02, '2': 0x03, '3': 0x04, '4': 0x05, '5': 0x06,
	'6': 0x07, '7': 0x08, '8': 0x09, '9': 0x0a, '0': 0x0b,
	'!': 0x02, '@': 0x03, '#': 0x04, '$': 0x05, '%': 0x06,
	'^': 0x07, '&': 0x08, '*': 0x09, '(': 0x0a, ')': 0x0b,
	'-': 0x0c, '_': 0x0c, '=': 0x0d, '+': 0x0d,
	0x08: 0x0e, 0x7f: 0x0e,
	'\t': 0x0f,
	'q': 0x10, 'w': 0x11, 'e': 0x12, 'r': 0x13, 't': 0x14,
	'y': 0x15, 'u': 0x16, 'i': 0x17, 'o': 0x18, 'p': 0x19,
	'[': 0x1a, '{': 0x1a, ']': 0x1b, '}': 0x1b,
	'\r': 0x1c, '\n': 0x1c,
	'a': 0x1e, 's': 0x1f, 'd': 0x20, 'f': 0x21, 'g': 0x22,
	'h': 0x23, 'j': 0x24, 'k': 0x25, 'l': 0x26,
	';': 0x27, ':': 0x27, '\'': 0x28, '"': 0x28, '`': 0x29, '~': 0x29,
	'\\': 0x2b, '|': 0x2b,
	'z': 0x2c, 'x': 0x2d, 'c': 0x2e, 'v': 0x2f, 'b': 0x30,
	'n': 0x31, 'm': 0x32,
	',': 0x33, '<': 0x33, '.': 0x34, '>': 0x34, '/': 0x35, '?': 0x35,
	' ': 0x39,
}

// Extended keys report ascii 0.
var sequenceKeys = map[string]uint16{
	"\x1b[A":   0x4800,
	"\x1b[B":   0x5000,
	"\x1b[C":   0x4d00,
	"\x1b[D":   0x4b00,
	"\x1bOA":   0x4800,
	"\x1bOB":   0x5000,
	"\x1bOC":   0x4d00,
	"\x1bOD":   0x4b00,
	"\x1b[H":   0x4700,
	"\x1b[F":   0x4f00,
	"\x1b[1~":  0x4700,
	"\x1b[4~":  0x4f00,
	"\x1b[2~":  0x5200,
	"\x1b[3~":  0x5300,
	"\x1b[5~":  0x4900,
	"\x1b[6~":  0x5100,
	"\x1bOP":   0x3b00,
	"\x1bOQ":   0x3c00,
	"\x1bOR":   0x3d00,
	"\x1bOS":   0x3e00,
	"\x1b[15~": 0x3f00,
	"\x1b[17~": 0x4000,
	"\x1b[18~": 0x4100,
	"\x1b[19~": 0x4200,
	"\x1b[20~": 0x4300,
	"\x1b[21~": 0x4400,
}

// KeyForByte translates one byte of terminal input to a BIOS key word.
func KeyForByte(b byte) (uint16, bool) {
	if b >= 0x80 {
		return 0, false
	}
	ascii := b
	switch b {
	case '\n':
		ascii = '\r'
	case 0x7f:
		ascii = 0x08
	}

	lower := b
	if b >= 'A' && b <= 'Z' {
		lower = b + ('a' - 'A')
	} else if b >= 0x01 && b <= 0x1a && asciiScanCodes[b] == 0 {
		// Ctrl+letter.
		lower = b + 'a' - 1
	}

	scan := asciiScanCodes[lower]
	if scan == 0 {
		return 0, false
	}
	return uint16(scan)<<8 | uint16(ascii), true
}

// KeyForSequence translates a terminal escape sequence to a BIOS key word.
func KeyForSequence(seq string) (uint16, bool) {
	if len(seq) == 1 {
		return KeyForByte(seq[0])
	}
	key, ok := sequenceKeys[seq]
	return key, ok
}
