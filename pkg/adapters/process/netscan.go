package process

import (
	"path"
	"regexp"
	"strings"
)

// networkModules are top-level Python modules whose import reaches the network.
var networkModules = map[string]bool{
	"socket": true, "ssl": true, "socketserver": true, "http": true,
	"urllib": true, "urllib2": true, "urllib3": true, "requests": true,
	"httpx": true, "aiohttp": true, "ftplib": true, "smtplib": true,
	"poplib": true, "imaplib": true, "nntplib": true, "telnetlib": true,
	"xmlrpc": true, "paramiko": true, "pycurl": true, "websocket": true,
	"websockets": true, "grpc": true,
}

// networkCommands are clients that open connections when run.
var networkCommands = map[string]bool{
	"curl": true, "wget": true, "nc": true, "ncat": true, "netcat": true,
	"ssh": true, "scp": true, "sftp": true, "telnet": true, "ftp": true,
	"pip": true, "pip3": true, "socat": true,
}

var (
	importStmt    = regexp.MustCompile(`(?m)(?:^|[;:])[ \t]*import[ \t]+([^\n;]+)`)
	fromStmt      = regexp.MustCompile(`(?m)(?:^|[;:])[ \t]*from[ \t]+([\w.]+)[ \t]+import\b`)
	dynamicImport = regexp.MustCompile(`\b(?:__import__|import_module)\b`)
	literalImport = regexp.MustCompile(`^(?:__import__|import_module)\s*\(\s*[rRuU]?['"]([\w.]+)['"]`)
	shellOut      = regexp.MustCompile(`\b(?:subprocess|os\.system|os\.popen|os\.exec\w*|os\.spawn\w*|pty\.spawn)\b`)
	quotedCommand = regexp.MustCompile(`['"](?:/\S*/)?(curl|wget|nc|ncat|netcat|ssh|scp|sftp|telnet|ftp|socat)\b`)
)

func networkModule(name string) bool {
	top, _, _ := strings.Cut(strings.TrimSpace(name), ".")
	return networkModules[top]
}

// networkImport reports the first construct in a Python source that loads a
// network module, or "" when there is none. Comments are ignored, and import
// statements inside string literals do not count.
func networkImport(src string) string {
	code, bare := maskPython(src)

	for _, m := range importStmt.FindAllStringSubmatch(bare, -1) {
		for _, item := range strings.Split(m[1], ",") {
			fields := strings.Fields(item)
			if len(fields) > 0 && networkModule(fields[0]) {
				return "import " + fields[0]
			}
		}
	}
	for _, m := range fromStmt.FindAllStringSubmatch(bare, -1) {
		if networkModule(m[1]) {
			return "from " + m[1] + " import"
		}
	}

	// A dynamic import is allowed only with a literal, harmless module name.
	for _, loc := range dynamicImport.FindAllStringIndex(code, -1) {
		rest := code[loc[0]:]
		if m := literalImport.FindStringSubmatch(rest); m != nil && !networkModule(m[1]) {
			continue
		}
		line, _, _ := strings.Cut(rest, "\n")
		return strings.TrimSpace(line)
	}

	if shellOut.MatchString(bare) {
		if m := quotedCommand.FindStringSubmatch(code); m != nil {
			return m[1]
		}
	}
	return ""
}

// networkCommand reports a shell command that runs a network client or names
// a remote URL, or "" when there is none.
func networkCommand(cmd string) string {
	argv := strings.Fields(cmd)
	if len(argv) == 0 {
		return ""
	}
	if networkCommands[path.Base(argv[0])] {
		return argv[0]
	}
	for _, arg := range argv[1:] {
		if strings.Contains(arg, "://") {
			return arg
		}
	}
	return ""
}

// maskPython blanks comments out of src. The second copy also blanks the
// contents of string literals. Both keep the byte offsets and newlines of src.
func maskPython(src string) (code, bare string) {
	c := []byte(src)
	b := []byte(src)
	blank := func(buf []byte, from, to int) {
		for k := from; k < to && k < len(buf); k++ {
			if buf[k] != '\n' {
				buf[k] = ' '
			}
		}
	}

	for i := 0; i < len(src); {
		switch ch := src[i]; ch {
		case '#':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src) - i
			}
			blank(c, i, i+end)
			blank(b, i, i+end)
			i += end
		case '\'', '"':
			quote := string(ch)
			if strings.HasPrefix(src[i:], strings.Repeat(quote, 3)) {
				quote = strings.Repeat(quote, 3)
			}
			start := i + len(quote)
			j := start
			for j < len(src) && !strings.HasPrefix(src[j:], quote) {
				if src[j] == '\\' {
					j += 2
					continue
				}
				if len(quote) == 1 && src[j] == '\n' {
					break
				}
				j++
			}
			j = min(j, len(src))
			blank(b, start, j)
			if strings.HasPrefix(src[j:], quote) {
				j += len(quote)
			}
			i = j
		default:
			i++
		}
	}
	return string(c), string(b)
}
