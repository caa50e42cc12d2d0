// Package keylog writes TLS secrets in the NSS key log format so captured
// traffic can be decrypted in Wireshark.
//
// The destination is taken from SSLKEYLOGFILE the first time Writer is
// called. SetFile and SetWriter override it for the whole process.
package keylog

import (
	"io"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// EnvVar names the environment variable holding the key log path.
const EnvVar = "SSLKEYLOGFILE"

var (
	mu      sync.RWMutex
	current io.Writer
	owned   io.Closer
	envOnce sync.Once
)

func loadEnv() {
	path := os.Getenv(EnvVar)
	if path == "" {
		return
	}
	f, err := OpenFile(path)
	if err != nil {
		klog.ErrorS(err, "cannot open key log file", "path", path)
		return
	}
	mu.Lock()
	if current == nil {
		current, owned = f, f
	} else {
		f.Close()
	}
	mu.Unlock()
	klog.V(2).InfoS("logging TLS secrets", "path", path)
}

// Writer returns the process key log writer, or nil when key logging is off.
// Every TLS config built by this module uses it as its KeyLogWriter.
func Writer() io.Writer {
	envOnce.Do(loadEnv)
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetFile redirects key logging to path, replacing SSLKEYLOGFILE. An empty
// path turns key logging off.
func SetFile(path string) error {
	envOnce.Do(func() {})
	if path == "" {
		return swap(nil, nil)
	}
	f, err := OpenFile(path)
	if err != nil {
		return err
	}
	return swap(f, f)
}

// SetWriter redirects key logging to w. The caller keeps ownership of w.
// Pass nil to turn key logging off.
func SetWriter(w io.Writer) {
	envOnce.Do(func() {})
	swap(w, nil)
}

func swap(w io.Writer, c io.Closer) error {
	mu.Lock()
	prev := owned
	current, owned = w, c
	mu.Unlock()
	if prev != nil {
		return prev.Close()
	}
	return nil
}

// OpenFile opens path for appending key log lines. The caller closes it.
func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
}

// Close turns key logging off and closes the file this package opened.
func Close() error {
	return swap(nil, nil)
}
