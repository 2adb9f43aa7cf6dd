package analytics

import (
	"github.com/google/uuid"
	"os"
)

// Env reads CI metadata. Values are plucked: once read they are removed so
// they do not leak into processes started later.
type Env struct {
	lookup func(key string) (string, bool)
	unset  func(key string)
}

// OSEnv plucks from the process environment.
func OSEnv() *Env {
	return &Env{
		lookup: os.LookupEnv,
		unset:  func(key string) { os.Unsetenv(key) },
	}
}

// MapEnv plucks from values, deleting the keys it reads.
func MapEnv(values map[string]string) *Env {
	return &Env{
		lookup: func(key string) (string, bool) {
			value, ok := values[key]
			return value, ok
		},
		unset: func(key string) { delete(values, key) },
	}
}

func (e *Env) Pluck(key string) string {
	value, ok := e.lookup(key)
	if ok {
		e.unset(key)
	}
	return value
}

// RunEnv describes the CI build a run belongs to.
type RunEnv struct {
	CI        string `json:"CI,omitempty"`
	Key       string `json:"key"`
	URL       string `json:"url,omitempty"`
	Branch    string `json:"branch,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Number    string `json:"number,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Debug     string `json:"debug,omitempty"`
}

// NewRunEnv describes the current Buildkite build, or an ad hoc run keyed
// by a random id when not running on Buildkite.
func NewRunEnv(env *Env) RunEnv {
	buildID := env.Pluck("BUILDKITE_BUILD_ID")
	debug := env.Pluck("BUILDKITE_ANALYTICS_DEBUG_ENABLED")
	if buildID == "" {
		return RunEnv{Key: uuid.NewString(), Debug: debug}
	}
	return RunEnv{
		CI:        "buildkite",
		Key:       buildID,
		URL:       env.Pluck("BUILDKITE_BUILD_URL"),
		Branch:    env.Pluck("BUILDKITE_BRANCH"),
		CommitSHA: env.Pluck("BUILDKITE_COMMIT"),
		Number:    env.Pluck("BUILDKITE_BUILD_NUMBER"),
		JobID:     env.Pluck("BUILDKITE_JOB_ID"),
		Message:   env.Pluck("BUILDKITE_MESSAGE"),
		Debug:     debug,
	}
}
