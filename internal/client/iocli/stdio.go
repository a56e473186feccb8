package iocli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Stream реализует IO поверх произвольных потоков ввода и вывода
type Stream struct {
	in     *bufio.Reader
	out    io.Writer
	inFile *os.File
}

// New creates an IO reading from in and writing to out. Tokens are read
// without echo only when in is a terminal.
func New(in io.Reader, out io.Writer) *Stream {
	s := &Stream{
		in:  bufio.NewReader(in),
		out: out,
	}
	if f, ok := in.(*os.File); ok {
		s.inFile = f
	}
	return s
}

func NewStdio() IO {
	return New(os.Stdin, os.Stdout)
}

func (s *Stream) Println(a ...any) {
	_, _ = fmt.Fprintln(s.out, a...)
}

func (s *Stream) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(s.out, format, a...)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *Stream) ReadInput(prompt string) (string, error) {
	s.Printf("%s", prompt)
	input, err := s.in.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func (s *Stream) ReadPassword(prompt string) (string, error) {
	if s.inFile == nil || !term.IsTerminal(int(s.inFile.Fd())) {
		return s.ReadInput(prompt)
	}

	s.Printf("%s", prompt)
	pwBytes, err := term.ReadPassword(int(s.inFile.Fd()))
	s.Println()
	if err != nil {
		return "", err
	}
	return string(pwBytes), nil
}
