package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fileferry/ferry/internal/upload"
	"github.com/pelletier/go-toml/v2"
)

// ErrConfigExists is returned by WriteStarter when the file is already there.
var ErrConfigExists = errors.New("config file already exists")

// starterFile is the skeleton written by 'ferry config init'.
type starterFile struct {
	Listen            string            `toml:"listen"`
	Destination       string            `toml:"destination"`
	MaxFileSize       int64             `toml:"maxfilesize"`
	Accepts           []string          `toml:"accepts"`
	ChunkSize         int               `toml:"chunksize"`
	TransmissionDelay string            `toml:"transmissiondelay"`
	Overwrite         bool              `toml:"overwrite"`
	Resume            bool              `toml:"resume"`
	BufferMode        string            `toml:"buffermode"`
	FlushThreshold    int               `toml:"flushthreshold"`
	MaxBufferSize     int               `toml:"maxbuffersize"`
	IdleTimeout       string            `toml:"idletimeout"`
	NATSSubject       string            `toml:"natssubject"`
	LogLevel          string            `toml:"loglevel"`
	LogFormat         string            `toml:"logformat"`
	Destinations      map[string]string `toml:"destinations,omitempty"`
}

// Starter renders a config file with every default spelled out.
func Starter(destination string) ([]byte, error) {
	data, err := toml.Marshal(starterFile{
		Listen:            DefaultListen,
		Destination:       destination,
		Accepts:           []string{},
		ChunkSize:         upload.DefaultChunkSize,
		TransmissionDelay: "0s",
		BufferMode:        upload.BufferDirect.String(),
		FlushThreshold:    upload.DefaultFlushThreshold,
		MaxBufferSize:     upload.DefaultMaxBufferSize,
		IdleTimeout:       upload.DefaultIdleTimeout.String(),
		NATSSubject:       DefaultNATSSubject,
		LogLevel:          "info",
		LogFormat:         "text",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render starter config: %w", err)
	}
	return data, nil
}

// WriteStarter writes a starter config to path unless one exists and force is false.
func WriteStarter(path, destination string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	data, err := Starter(destination)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil { //nolint:gosec // Config directory needs standard permissions
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
