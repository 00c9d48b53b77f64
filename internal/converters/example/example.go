// Package example registers a self-contained converter that generates a
// synthetic forum. It exercises every execution path without a source
// database: a plain step, a serial step and parallel steps with known,
// unknown and custom-sized progress.
package example

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/johndauphine/forum-converter/internal/config"
	"github.com/johndauphine/forum-converter/internal/converter"
	"github.com/johndauphine/forum-converter/internal/step"
)

// Name is the registered converter name.
const Name = "example"

func init() {
	converter.Register(Definition())
}

// Definition describes the example converter.
func Definition() converter.Definition {
	return converter.Definition{
		Name:        Name,
		Description: "Generates a synthetic forum (users, topics, posts, uploads)",
		Build:       build,
	}
}

// sizes holds the generated volumes, read from settings.example.*.
type sizes struct {
	Users     int
	Topics    int
	Posts     int
	Uploads   int
	FailEvery int
}

func readSizes(s config.Settings) sizes {
	return sizes{
		Users:     s.Int("example.users", 50),
		Topics:    s.Int("example.topics", 500),
		Posts:     s.Int("example.posts", 2000),
		Uploads:   s.Int("example.uploads", 100),
		FailEvery: s.Int("example.fail_every", 0),
	}
}

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

var uploadNamespace = uuid.MustParse("8f7e61b2-3c1d-4c55-9a0e-0d3c5b7a9e21")

func build(ctx context.Context, cfg *config.Config) (*converter.Plan, error) {
	sz := readSizes(cfg.Settings)
	if sz.Users < 1 {
		return nil, fmt.Errorf("invalid config: example.users must be positive")
	}

	return &converter.Plan{Steps: []step.Descriptor{
		step.Define("generate_config", func(sc step.Context) (step.Step, error) {
			return &generateConfig{db: sc.DB, sizes: sz}, nil
		}).WithTitle("Writing converter settings"),

		step.Define("users", func(sc step.Context) (step.Step, error) {
			return &users{sizes: sz}, nil
		}),

		step.Define("topics", func(sc step.Context) (step.Step, error) {
			return &topics{sizes: sz, tracker: sc.Tracker}, nil
		}).Parallel(),

		step.Define("posts", func(sc step.Context) (step.Step, error) {
			return &posts{sizes: sz}, nil
		}).Parallel(),

		step.Define("uploads", func(sc step.Context) (step.Step, error) {
			return &uploads{sizes: sz, tracker: sc.Tracker}, nil
		}).Parallel().InPercent().CustomIncrement(),
	}}, nil
}

type generateConfig struct {
	step.Base
	db    step.Writer
	sizes sizes
}

func (s *generateConfig) Execute(ctx context.Context) error {
	var out step.Output
	values := map[string]string{
		"converter":    Name,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"users":        fmt.Sprint(s.sizes.Users),
		"topics":       fmt.Sprint(s.sizes.Topics),
		"posts":        fmt.Sprint(s.sizes.Posts),
	}
	for name, value := range values {
		out.Exec("INSERT OR REPLACE INTO config (name, value) VALUES (?, ?)", name, value)
	}
	return s.db.Apply(ctx, out.Statements())
}

// users runs serially: its count is small.
type users struct {
	step.Base
	sizes sizes
}

func (s *users) Items(ctx context.Context, yield func(step.Item) error) error {
	for id := 1; id <= s.sizes.Users; id++ {
		if err := yield(step.Item{"id": int64(id)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *users) MaxProgress(context.Context) (int64, bool, error) {
	return int64(s.sizes.Users), true, nil
}

func (s *users) ProcessItem(ctx context.Context, item step.Item, out *step.Output) error {
	id := item["id"].(int64)
	username := fmt.Sprintf("user%d", id)
	return out.Insert("users",
		[]string{"original_id", "username", "name", "email", "admin", "created_at"},
		id, username, fmt.Sprintf("User %d", id), username+"@example.com", id == 1,
		timestamp(id))
}

type topics struct {
	step.Base
	sizes   sizes
	tracker *step.Tracker
}

func (s *topics) Items(ctx context.Context, yield func(step.Item) error) error {
	for id := 1; id <= s.sizes.Topics; id++ {
		if err := yield(step.Item{"id": int64(id)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *topics) MaxProgress(context.Context) (int64, bool, error) {
	return int64(s.sizes.Topics), true, nil
}

func (s *topics) ProcessItem(ctx context.Context, item step.Item, out *step.Output) error {
	id := item["id"].(int64)
	r := rng(id)
	title := fmt.Sprintf("Topic %d", id)
	if id%50 == 0 {
		s.tracker.LogWarning("Topic title too short, padded", nil, map[string]any{"topic_id": id})
		title += " (untitled)"
	}
	return out.Insert("topics",
		[]string{"original_id", "title", "user_id", "views", "closed", "created_at"},
		id, title, 1+r.Int64N(int64(s.sizes.Users)), r.Int64N(10000), id%97 == 0, timestamp(id))
}

// posts does not know its count up front, like a source that cannot be
// counted cheaply.
type posts struct {
	step.Base
	step.UnknownMax
	sizes sizes
}

func (s *posts) Items(ctx context.Context, yield func(step.Item) error) error {
	for id := 1; id <= s.sizes.Posts; id++ {
		if err := yield(step.Item{"id": int64(id)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *posts) ProcessItem(ctx context.Context, item step.Item, out *step.Output) error {
	id := item["id"].(int64)
	if s.sizes.FailEvery > 0 && id%int64(s.sizes.FailEvery) == 0 {
		return fmt.Errorf("post %d: malformed body", id)
	}
	r := rng(id)
	topicID := 1 + (id-1)%int64(max(s.sizes.Topics, 1))
	postNumber := 1 + (id-1)/int64(max(s.sizes.Topics, 1))
	var replyTo any
	if postNumber > 1 && r.IntN(3) == 0 {
		replyTo = postNumber - 1
	}
	return out.Insert("posts",
		[]string{"original_id", "topic_id", "user_id", "post_number", "reply_to_post_number", "raw", "created_at"},
		id, topicID, 1+r.Int64N(int64(s.sizes.Users)), postNumber, replyTo,
		fmt.Sprintf("Post %d in topic %d.", postNumber, topicID), timestamp(id))
}

// uploads reports progress in bytes.
type uploads struct {
	step.Base
	sizes   sizes
	tracker *step.Tracker
}

func uploadSize(id int64) int64 { return 512 + rng(id).Int64N(4096) }

func (s *uploads) Items(ctx context.Context, yield func(step.Item) error) error {
	for id := 1; id <= s.sizes.Uploads; id++ {
		if err := yield(step.Item{"id": int64(id)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *uploads) MaxProgress(context.Context) (int64, bool, error) {
	var total int64
	for id := int64(1); id <= int64(s.sizes.Uploads); id++ {
		total += uploadSize(id)
	}
	return total, true, nil
}

func (s *uploads) ProcessItem(ctx context.Context, item step.Item, out *step.Output) error {
	id := item["id"].(int64)
	size := uploadSize(id)
	data := make([]byte, size)
	r := rng(id)
	for i := range data {
		data[i] = byte(r.IntN(256))
	}
	uid := uuid.NewSHA1(uploadNamespace, fmt.Appendf(nil, "upload-%d", id)).String()
	s.tracker.SetProgress(size)
	return out.Insert("uploads",
		[]string{"id", "user_id", "filename", "url", "data", "created_at"},
		uid, 1+id%int64(s.sizes.Users), fmt.Sprintf("image%d.png", id),
		"/uploads/"+uid+".png", data, timestamp(id))
}

func rng(id int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(id), 0x5eed))
}

func timestamp(id int64) string {
	return epoch.Add(time.Duration(id) * time.Hour).Format(time.RFC3339)
}
