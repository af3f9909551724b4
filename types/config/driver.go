package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type StorageDriver int

const (
	Memory StorageDriver = iota + 1
	Postgres
)

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Memory:
		return "memory"
	case Postgres:
		return "postgres"
	}
	return "unknown"
}

func ParseStorageDriver(s string) (StorageDriver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "memory":
		return Memory, nil
	case "postgres":
		return Postgres, nil
	}
	return 0, fmt.Errorf("unknown storage driver %q", s)
}

func (d *StorageDriver) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseStorageDriver(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
