package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "gopkg.in/yaml.v2"
)

const (
	configFileName = "kiterpc.toml"
	homeConfigPath = ".config/kiterpc.d"
	etcConfigPath  = "/etc/kiterpc.d"
	dirConfigName  = "config.toml"
)

var (
	ConfFileNotFound = errors.New("config file not found")
)

// Load reads the configuration over Default(). Files ending in .yaml or
// .yml are YAML, anything else is TOML. An empty filePath is searched for:
//  1. ./kiterpc.toml
//  2. $HOME/.config/kiterpc.d/config.toml
//  3. /etc/kiterpc.d/config.toml
func Load(filePath string) (*Config, error) {
	var err error
	if filePath, err = findPath(filePath); err != nil {
		return nil, err
	}

	cnf := Default()
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cnf); err != nil {
			return nil, err
		}
	default:
		if _, err := toml.DecodeFile(filePath, cnf); err != nil {
			return nil, err
		}
	}
	return cnf, nil
}

func findPath(givenPath string) (string, error) {
	if len(givenPath) > 0 {
		return givenPath, nil
	}

	candidates := []string{configFileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, homeConfigPath, dirConfigName))
	}
	candidates = append(candidates, filepath.Join(etcConfigPath, dirConfigName))

	for _, p := range candidates {
		exist, err := checkExist(p)
		if err != nil {
			return "", err
		}
		if exist {
			return p, nil
		}
	}
	return "", ConfFileNotFound
}

func checkExist(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
