package directory

import (
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/instant"
)

// SeedUser is one user entry of a seed file.
type SeedUser struct {
	ID        string   `yaml:"id"`
	Role      string   `yaml:"role"`
	Name      string   `yaml:"name"`
	Phone     string   `yaml:"phone"`
	Email     string   `yaml:"email"`
	Banned    bool     `yaml:"banned"`
	Available *bool    `yaml:"available"`
	Location  *SeedGeo `yaml:"location"`
}

// SeedGeo is a seeded position.
type SeedGeo struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// Seed is the YAML layout:
//
//	users:
//	  - id: emp-1
//	    role: employer
//	    name: Corner Cafe
//	  - id: stu-1
//	    role: student
//	    location: {latitude: 52.52, longitude: 13.40}
type Seed struct {
	Users []SeedUser `yaml:"users"`
}

// LoadSeed reads a YAML seed into r and returns the number of users loaded.
func (r *Registry) LoadSeed(src io.Reader) (int, error) {
	var seed Seed
	dec := yaml.NewDecoder(src)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to decode directory seed")
	}

	now := time.Now().UTC()
	for i, u := range seed.Users {
		p := instant.Party{
			ID:     u.ID,
			Role:   instant.Role(u.Role),
			Name:   u.Name,
			Phone:  u.Phone,
			Email:  u.Email,
			Banned: u.Banned,
		}
		if err := r.Put(p); err != nil {
			return i, errors.Wrapf(err, "seed user %d", i)
		}
		if u.Available != nil {
			if err := r.SetAvailable(p.ID, *u.Available); err != nil {
				return i, err
			}
		}
		if u.Location != nil {
			if err := r.UpdateLocation(p.ID, u.Location.Latitude, u.Location.Longitude, now); err != nil {
				return i, errors.Wrapf(err, "seed user %s", p.ID)
			}
		}
	}
	return len(seed.Users), nil
}

// LoadSeedFile is LoadSeed on a file path.
func (r *Registry) LoadSeedFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open directory seed %s", path)
	}
	defer f.Close()
	return r.LoadSeed(f)
}
