package challenge

import (
	_ "embed"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

type Kind string

const (
	KindMostCaloriesBurnt Kind = "mostCaloriesBurnt"
	KindMaxSteps          Kind = "maxSteps"
)

type Duration string

const (
	DurationTwentyFourHours Duration = "twentyFourHours"
)

type Organization string

const (
	OrganizationHjartOchLungFonden Organization = "hjartOchLungFonden"
)

type KindInfo struct {
	Metric       string `yaml:"metric" json:"metric"`
	Unit         string `yaml:"unit" json:"unit"`
	BaseProgress int    `yaml:"base_progress" json:"base_progress"`
	DefaultGoal  int    `yaml:"default_goal" json:"default_goal"`
}

type DurationInfo struct {
	Seconds float64 `yaml:"seconds" json:"seconds"`
	Hours   int     `yaml:"hours" json:"hours"`
}

// TopChallenge holds the fixed parameters of an organization's featured challenge.
type TopChallenge struct {
	Kind     Kind     `yaml:"kind" json:"kind"`
	Goal     int      `yaml:"goal" json:"goal"`
	Bet      int      `yaml:"bet" json:"bet"`
	Duration Duration `yaml:"duration" json:"duration"`
}

type OrganizationInfo struct {
	ID                string       `yaml:"id" json:"id"`
	Name              string       `yaml:"name" json:"name"`
	SwishNumber       int          `yaml:"swish_number" json:"swish_number"`
	LogotypeImagePath string       `yaml:"logotype_image_path" json:"logotype_image_path"`
	ChallengeInfo     string       `yaml:"challenge_info" json:"challenge_info"`
	TopChallenge      TopChallenge `yaml:"top_challenge" json:"top_challenge"`
}

// Catalog is the static reference data keyed by enumeration tag.
type Catalog struct {
	Kinds         map[Kind]KindInfo                 `yaml:"kinds"`
	Durations     map[Duration]DurationInfo         `yaml:"durations"`
	Organizations map[Organization]OrganizationInfo `yaml:"organizations"`
}

var current atomic.Pointer[Catalog]

func init() {
	current.Store(MustLoadCatalog(embeddedCatalog))
}

// LoadCatalog parses and validates a YAML catalog document.
func LoadCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// MustLoadCatalog is LoadCatalog for documents compiled into the binary.
func MustLoadCatalog(data []byte) *Catalog {
	c, err := LoadCatalog(data)
	if err != nil {
		panic(err)
	}
	return c
}

// UseCatalog replaces the active catalog. Call it once at startup, before
// any record is parsed.
func UseCatalog(c *Catalog) {
	current.Store(c)
}

// ActiveCatalog returns the catalog lookups are served from.
func ActiveCatalog() *Catalog {
	return current.Load()
}

func (c *Catalog) validate() error {
	if len(c.Kinds) == 0 || len(c.Durations) == 0 || len(c.Organizations) == 0 {
		return fmt.Errorf("catalog must define kinds, durations and organizations")
	}

	seen := make(map[float64]Duration, len(c.Durations))
	for d, info := range c.Durations {
		if info.Seconds <= 0 {
			return fmt.Errorf("duration %s: seconds must be positive", d)
		}
		if other, ok := seen[info.Seconds]; ok {
			return fmt.Errorf("durations %s and %s share %v seconds", d, other, info.Seconds)
		}
		seen[info.Seconds] = d
	}

	for org, info := range c.Organizations {
		if info.ID == "" {
			return fmt.Errorf("organization %s: missing id", org)
		}
		top := info.TopChallenge
		if _, ok := c.Kinds[top.Kind]; !ok {
			return fmt.Errorf("organization %s: unknown top challenge kind %q", org, top.Kind)
		}
		if _, ok := c.Durations[top.Duration]; !ok {
			return fmt.Errorf("organization %s: unknown top challenge duration %q", org, top.Duration)
		}
	}
	return nil
}

// ParseKind resolves a wire token to a Kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	_, ok := current.Load().Kinds[k]
	return k, ok
}

func (k Kind) info() KindInfo { return current.Load().Kinds[k] }

func (k Kind) Metric() string    { return k.info().Metric }
func (k Kind) Unit() string      { return k.info().Unit }
func (k Kind) BaseProgress() int { return k.info().BaseProgress }
func (k Kind) DefaultGoal() int  { return k.info().DefaultGoal }

// DurationFromSeconds maps a length in seconds to its canonical Duration.
func DurationFromSeconds(seconds float64) (Duration, bool) {
	for d, info := range current.Load().Durations {
		if info.Seconds == seconds {
			return d, true
		}
	}
	return "", false
}

func (d Duration) Seconds() float64 { return current.Load().Durations[d].Seconds }
func (d Duration) Hours() int       { return current.Load().Durations[d].Hours }

// Length is the duration as a time.Duration, used to derive end instants.
func (d Duration) Length() time.Duration {
	return time.Duration(d.Seconds() * float64(time.Second))
}

// ParseOrganization resolves a wire token to an Organization.
func ParseOrganization(s string) (Organization, bool) {
	o := Organization(s)
	_, ok := current.Load().Organizations[o]
	return o, ok
}

func (o Organization) Info() OrganizationInfo { return current.Load().Organizations[o] }

func (o Organization) ID() string                 { return o.Info().ID }
func (o Organization) Name() string               { return o.Info().Name }
func (o Organization) SwishNumber() int           { return o.Info().SwishNumber }
func (o Organization) LogotypeImagePath() string  { return o.Info().LogotypeImagePath }
func (o Organization) ChallengeInfo() string      { return o.Info().ChallengeInfo }
func (o Organization) TopChallenge() TopChallenge { return o.Info().TopChallenge }

// Organizations lists the catalog's organizations ordered by tag.
func Organizations() []Organization {
	orgs := make([]Organization, 0, len(current.Load().Organizations))
	for o := range current.Load().Organizations {
		orgs = append(orgs, o)
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i] < orgs[j] })
	return orgs
}
