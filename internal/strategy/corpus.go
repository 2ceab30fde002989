package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis layout: one hash per partition under "strategies:<partition>", field
// = document id, value = strategy text.
const redisKeyPrefix = "strategies:"

// LoadFromRedis populates the store from a Redis instance. connString is a
// redis URL ("redis://host:port/db"). Every hash under the key prefix
// becomes a partition.
func LoadFromRedis(ctx context.Context, s *Store, connString string) (int, error) {
	opts, err := redis.ParseURL(connString)
	if err != nil {
		return 0, fmt.Errorf("parse strategy index connection string: %w", err)
	}
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	loaded := 0
	iter := client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		partition := strings.TrimPrefix(key, redisKeyPrefix)

		fields, err := client.HGetAll(ctx, key).Result()
		if err != nil {
			return loaded, fmt.Errorf("read strategy partition %s: %w", partition, err)
		}
		for _, text := range fields {
			if _, err := s.Add(ctx, partition, text); err != nil {
				s.logger.Warn("skipping bad strategy document",
					slog.String("partition", partition),
					slog.String("error", err.Error()),
				)
				continue
			}
			loaded++
		}
	}
	if err := iter.Err(); err != nil {
		return loaded, fmt.Errorf("scan strategy index: %w", err)
	}
	return loaded, nil
}

// defaultCorpus seeds the store when no Redis index is configured. Partition
// names match provider IDs; "default" applies to all.
var defaultCorpus = map[string][]string{
	"openai": {
		"For OpenAI models, lead with an explicit role assignment and state the output format before the task. Use numbered steps for multi-part instructions and put hard constraints last so they are freshest in context.",
		"OpenAI models respond well to few-shot examples. Provide one or two input/output pairs that mirror the desired structure exactly, then present the real input in the same framing.",
	},
	"anthropic": {
		"For Anthropic models, wrap distinct inputs in clearly labeled sections and ask the model to reason through the problem before producing the final answer. State what to do rather than what to avoid.",
		"Anthropic models follow structural conventions closely. Describe the exact output skeleton (headings, bullet depth, code fencing) and the model will adhere to it without drifting.",
	},
	"gemini": {
		"For Gemini models, keep the system instruction short and concrete, and restate the key constraint inside the user turn. Long system prompts dilute adherence.",
	},
	"nvidia": {
		"For NIM-hosted models, keep prompts compact and single-purpose. Avoid nested conditionals in instructions; split complex requests into sequential calls.",
	},
	DefaultPartition: {
		"State the task, the audience, and the success criteria in the first two sentences. Ambiguity in the opening lines propagates through the whole response.",
		"When output length matters, give a numeric target (words, items, sentences) rather than vague size adjectives. Models calibrate to numbers far better than to 'brief' or 'detailed'.",
		"For technical content, name the expected depth explicitly: overview, practitioner detail, or specialist depth. Without it models default to a middle register that satisfies no one.",
	},
}

// SeedDefaults indexes the embedded corpus. Used at startup when no strategy
// index connection string is configured.
func SeedDefaults(ctx context.Context, s *Store) (int, error) {
	loaded := 0
	for partition, texts := range defaultCorpus {
		for _, text := range texts {
			if _, err := s.Add(ctx, partition, text); err != nil {
				return loaded, err
			}
			loaded++
		}
	}
	return loaded, nil
}
