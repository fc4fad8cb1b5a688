package motor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Params is the persisted tuning record for one motor. Slot 0 is the
// left motor, slot 1 the right motor by convention.
type Params struct {
	StartSpeed        uint8 `yaml:"start_speed"`
	DriveSpeed        uint8 `yaml:"drive_speed"`
	SpeedCompensation int8  `yaml:"speed_compensation"`
}

// ParamsStore persists per-motor tuning records.
type ParamsStore interface {
	Load(slot int) (Params, error)
	Save(slot int, p Params) error
}

type paramsFile struct {
	Motors map[int]Params `yaml:"motors"`
}

// FileParamsStore keeps all slots in a single YAML file.
type FileParamsStore struct {
	path string
}

// NewFileParamsStore creates a store backed by the given file. The file
// is created on first Save.
func NewFileParamsStore(path string) *FileParamsStore {
	return &FileParamsStore{path: path}
}

func (s *FileParamsStore) Load(slot int) (Params, error) {
	f, err := s.read()
	if err != nil {
		return Params{}, err
	}
	p, ok := f.Motors[slot]
	if !ok {
		return Params{}, fmt.Errorf("params slot %d not found in %s", slot, s.path)
	}
	return p, nil
}

func (s *FileParamsStore) Save(slot int, p Params) error {
	f, err := s.read()
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		f = paramsFile{}
	}
	if f.Motors == nil {
		f.Motors = make(map[int]Params)
	}
	f.Motors[slot] = p

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write params file: %w", err)
	}
	return nil
}

func (s *FileParamsStore) read() (paramsFile, error) {
	var f paramsFile
	data, err := os.ReadFile(s.path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("unmarshal params file: %w", err)
	}
	return f, nil
}
