package admin

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/sealkeeper/internal/common"
	"golang.org/x/term"
)

// readPassword and isTerminal are test seams for the x/term calls.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

const sharePrompt = "Paste the decrypted key share (base64)"

// GetSimpleText prints a prompt to w and reads a single line of input from reader.
// The trailing newline is trimmed. If EOF occurs after some input was read,
// the partial line is returned.
//
//	Prompt text
//	> _
func GetSimpleText(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+"\n> "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// GetShare prompts for a key share in standard or URL-safe base64. When fd
// is a terminal the share is read from it without echo; otherwise (fd < 0
// or redirected input) a line is read from reader.
func GetShare(reader *bufio.Reader, w io.Writer, fd int) ([]byte, error) {
	if fd < 0 || !isTerminal(fd) {
		text, err := GetSimpleText(reader, sharePrompt, w)
		if err != nil {
			return nil, err
		}
		return decodeShare(text)
	}

	if _, err := fmt.Fprint(w, sharePrompt+"\n> "); err != nil {
		return nil, err
	}
	raw, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(raw)
	return decodeShare(string(raw))
}

func decodeShare(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty share")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(text); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("share is not valid base64")
}
