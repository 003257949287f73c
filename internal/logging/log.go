// Package logging provides the process-wide log writer. Output goes to stdout
// unless silenced, and optionally to a log file. No prefixes or newlines are
// added.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu        sync.Mutex
	stdout    io.Writer = os.Stdout
	silent    bool
	logFile   *bufio.Writer
	logFileOS *os.File
)

// SetSilent suppresses console output. The log file still receives everything.
func SetSilent(s bool) {
	mu.Lock()
	defer mu.Unlock()
	silent = s
}

// SetOutput redirects console output, mainly for tests
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	stdout = w
}

// AlsoToFile starts copying all output into fileName, truncating it.
// A previously opened log file is flushed and closed first.
func AlsoToFile(fileName string) error {
	mu.Lock()
	defer mu.Unlock()
	if err := closeLocked(); err != nil {
		return err
	}
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	logFileOS = f
	logFile = bufio.NewWriter(f)
	return nil
}

// Close flushes and closes the log file, if any
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	return closeLocked()
}

func closeLocked() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Flush()
	if cerr := logFileOS.Close(); err == nil {
		err = cerr
	}
	logFile, logFileOS = nil, nil
	return err
}

// Printf formats to the console and the log file
func Printf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if !silent {
		fmt.Fprintf(stdout, format, args...)
	}
	if logFile != nil {
		fmt.Fprintf(logFile, format, args...)
	}
}

// Println prints a line to the console and the log file
func Println(args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if !silent {
		fmt.Fprintln(stdout, args...)
	}
	if logFile != nil {
		fmt.Fprintln(logFile, args...)
	}
}

// Warnf prints a warning line
func Warnf(format string, args ...interface{}) {
	Printf("Warning: "+format+"\n", args...)
}

// FileOnly writes text to the log file without echoing it to the console
func FileOnly(text string) {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.WriteString(text)
	}
}
