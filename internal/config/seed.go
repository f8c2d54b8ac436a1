package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BotSeed declares a bot to upsert into the store at boot.
type BotSeed struct {
	ID        int64  `yaml:"id"`
	Name      string `yaml:"name,omitempty"`
	Code      string `yaml:"code,omitempty"`
	CodeFile  string `yaml:"code_file,omitempty"`
	Secret    string `yaml:"secret,omitempty"`
	SecretEnv string `yaml:"secret_env,omitempty"`
	AutoStart bool   `yaml:"autostart"`
}

type SeedFile struct {
	Bots []BotSeed `yaml:"bots"`
}

// LoadSeedFile reads the seed file and resolves code_file (relative to the
// seed file) and secret_env references.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var seeds SeedFile
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(seeds.Bots))
	for i := range seeds.Bots {
		b := &seeds.Bots[i]
		if b.ID <= 0 {
			return nil, fmt.Errorf("bot #%d: id must be positive", i+1)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("bot %d: duplicate id", b.ID)
		}
		seen[b.ID] = true

		if b.Name == "" {
			b.Name = fmt.Sprintf("bot-%d", b.ID)
		}
		if b.CodeFile != "" {
			codePath := b.CodeFile
			if !filepath.IsAbs(codePath) {
				codePath = filepath.Join(filepath.Dir(path), codePath)
			}
			code, err := os.ReadFile(codePath)
			if err != nil {
				return nil, fmt.Errorf("bot %d: read code file: %w", b.ID, err)
			}
			b.Code = string(code)
		}
		if b.SecretEnv != "" {
			b.Secret = os.Getenv(b.SecretEnv)
		}
	}
	return &seeds, nil
}
