package types

// Campaign is a benchmarking request spanning every fuzzer/target/program
// combination it declares. It is read-only once validated. Poll is the monitor
// interval and Timeout the fuzzing duration, both in seconds.
type Campaign struct {
	ID      string   `json:"id" yaml:"id" mapstructure:"id"`
	Poll    int      `json:"poll" yaml:"poll" mapstructure:"poll"`
	Timeout int      `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	Fuzzers []Fuzzer `json:"fuzzers" yaml:"fuzzers" mapstructure:"fuzzers"`
}

type Fuzzer struct {
	Name    string   `json:"name" yaml:"name" mapstructure:"name"`
	Targets []Target `json:"targets" yaml:"targets" mapstructure:"targets"`
}

type Target struct {
	Name     string    `json:"name" yaml:"name" mapstructure:"name"`
	Programs []Program `json:"programs" yaml:"programs" mapstructure:"programs"`
}

// Program is identified by Name only; Args is not part of its identity.
type Program struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	Args string `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
}

// Leaves returns the number of (fuzzer, target, program) combinations.
func (c *Campaign) Leaves() int {
	n := 0
	for _, f := range c.Fuzzers {
		for _, t := range f.Targets {
			n += len(t.Programs)
		}
	}
	return n
}
