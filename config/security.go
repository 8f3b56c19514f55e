package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// Limits applied to configuration input. Module conf blocks nest a few
// levels at most; anything deeper is malformed or hostile.
const (
	maxConfigSize = 4 << 20
	maxJSONDepth  = 64
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

var configExtensions = []string{".json", ".yaml", ".yml"}

// validateConfigPath rejects empty or oversized paths, parent references and
// extensions the loader cannot parse.
func validateConfigPath(path string) error {
	switch {
	case path == "":
		return errors.Errorf(errors.ErrMissingConfig, "empty config path")
	case len(path) > maxPathLen:
		return errors.Errorf(errors.ErrInvalidConfig, "config path longer than %d bytes", maxPathLen)
	case slices.Contains(strings.Split(filepath.ToSlash(path), "/"), ".."):
		return errors.Errorf(errors.ErrInvalidConfig, "path traversal not allowed: %s", path)
	}
	if ext := strings.ToLower(filepath.Ext(path)); !slices.Contains(configExtensions, ext) {
		return errors.Errorf(errors.ErrInvalidConfig, "%s: config must be one of %v", path, configExtensions)
	}
	return nil
}

// safeReadFile reads a regular config file no larger than maxConfigSize
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "open %s: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "stat %s: %v", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "%s is not a regular file", path)
	}
	if info.Size() > maxConfigSize {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "%s: %d bytes exceeds %d", path, info.Size(), maxConfigSize)
	}

	// the file may grow between Stat and Read
	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "read %s: %v", path, err)
	}
	if len(data) > maxConfigSize {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "%s grew beyond %d bytes", path, maxConfigSize)
	}
	return data, nil
}

// safeWriteFile writes data readable by the owner only
func safeWriteFile(path string, data []byte) error {
	if err := validateConfigPath(path); err != nil {
		return err
	}
	if len(data) > maxConfigSize {
		return errors.Errorf(errors.ErrInvalidConfig, "config of %d bytes exceeds %d", len(data), maxConfigSize)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "write "+path)
	}
	return nil
}

// validateEnvVar bounds an override value. NUL bytes never belong in a URL,
// a token or a duration.
func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return errors.Errorf(errors.ErrInvalidConfig, "%s longer than %d bytes", key, maxEnvVarLen)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return errors.Errorf(errors.ErrInvalidConfig, "%s contains a NUL byte", key)
	}
	return nil
}

// validateJSONDepth walks the token stream and fails once nesting exceeds
// maxJSONDepth, before the document is decoded into maps.
func validateJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Errorf(errors.ErrInvalidConfig, "malformed JSON: %v", err)
		}

		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return errors.Errorf(errors.ErrInvalidConfig, "JSON nesting too deep: more than %d levels", maxJSONDepth)
			}
		default:
			depth--
		}
	}
}
