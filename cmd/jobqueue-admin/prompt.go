package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var errAborted = errors.New("aborted by user")

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return "", errAborted
	}
	return strings.TrimSpace(line), nil
}

// confirm asks a yes/no question. Anything but y or yes aborts.
func (p *prompter) confirm(message string) error {
	fmt.Fprintf(p.out, "%s\nContinue? [y/N]: ", message)
	answer, err := p.readLine()
	if err != nil {
		return err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return nil
	default:
		return errAborted
	}
}

// confirmHost makes the operator retype a remote host name before a
// destructive action runs against it.
func (p *prompter) confirmHost(host, action string) error {
	fmt.Fprintf(p.out, "\nWARNING: database host %q does not look local.\nThis will %s.\n", host, action)
	fmt.Fprintf(p.out, "Type %q to continue or press enter to abort: ", host)
	answer, err := p.readLine()
	if err != nil {
		return err
	}
	if answer != host {
		fmt.Fprintln(p.out, "\nHost did not match; aborting.")
		return errAborted
	}
	return nil
}

// isLikelyRemoteHost treats loopback addresses, localhost and *.local as local.
func isLikelyRemoteHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	switch {
	case h == "", h == "localhost", strings.HasSuffix(h, ".local"):
		return false
	}
	if ip := net.ParseIP(h); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}
