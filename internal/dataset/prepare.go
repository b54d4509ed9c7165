package dataset

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// PrepareOptions controls how a raw dataset is turned into train and
// validation splits.
type PrepareOptions struct {
	ValRatio     float64
	Seed         int64
	Balance      bool
	MaxUpsample  int
	SystemPrompt string
}

// PrepareResult reports what happened during preparation.
type PrepareResult struct {
	InputRecords   int
	CleanedRecords int
	DroppedEmpty   int
	DroppedDupes   int
	Upsampled      int
	TrainRecords   []Record
	ValRecords     []Record
}

// Prepare cleans, deduplicates, optionally balances, shuffles with a
// fixed seed, and splits the records. The seed makes splits reproducible
// across runs so experiments stay comparable.
func Prepare(records []Record, opts PrepareOptions) (PrepareResult, error) {
	if opts.ValRatio < 0 || opts.ValRatio >= 1 {
		return PrepareResult{}, fmt.Errorf("validation ratio must be in [0, 1), got %g", opts.ValRatio)
	}
	if opts.MaxUpsample <= 0 {
		opts.MaxUpsample = 3
	}

	result := PrepareResult{InputRecords: len(records)}

	cleaned := make([]Record, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		record.Instruction = strings.TrimSpace(record.Instruction)
		record.Input = strings.TrimSpace(record.Input)
		record.Output = strings.TrimSpace(record.Output)
		if record.Instruction == "" || record.Output == "" {
			result.DroppedEmpty++
			continue
		}
		key := strings.ToLower(record.Instruction) + "\x00" + strings.ToLower(record.Output)
		if _, ok := seen[key]; ok {
			result.DroppedDupes++
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, record)
	}

	if opts.Balance {
		cleaned, result.Upsampled = balance(cleaned, opts.MaxUpsample)
	}
	result.CleanedRecords = len(cleaned)

	rng := rand.New(rand.NewSource(opts.Seed))
	rng.Shuffle(len(cleaned), func(i, j int) {
		cleaned[i], cleaned[j] = cleaned[j], cleaned[i]
	})

	valSize := int(float64(len(cleaned)) * opts.ValRatio)
	result.ValRecords = cleaned[:valSize]
	result.TrainRecords = cleaned[valSize:]
	return result, nil
}

// balance upsamples underrepresented categories toward the largest one,
// capped at maxUpsample copies of any single record.
func balance(records []Record, maxUpsample int) ([]Record, int) {
	byCategory := map[string][]Record{}
	for _, record := range records {
		category := record.Category
		if category == "" {
			category = "unknown"
		}
		byCategory[category] = append(byCategory[category], record)
	}

	largest := 0
	for _, group := range byCategory {
		if len(group) > largest {
			largest = len(group)
		}
	}

	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var balanced []Record
	added := 0
	for _, category := range categories {
		group := byCategory[category]
		balanced = append(balanced, group...)
		target := largest
		if limit := len(group) * maxUpsample; target > limit {
			target = limit
		}
		for i := len(group); i < target; i++ {
			balanced = append(balanced, group[i%len(group)])
			added++
		}
	}
	return balanced, added
}

// ToConversations converts alpaca-style records into the multi-turn
// conversation layout, prepending the system prompt as the first turn
// when one is given.
func ToConversations(records []Record, systemPrompt string) []Conversation {
	conversations := make([]Conversation, 0, len(records))
	for _, record := range records {
		var messages []Message
		if systemPrompt != "" {
			messages = append(messages, Message{From: "system", Value: systemPrompt})
		}
		human := record.Instruction
		if record.Input != "" {
			human += "\n\n" + record.Input
		}
		messages = append(messages,
			Message{From: "human", Value: human},
			Message{From: "gpt", Value: record.Output},
		)
		conversations = append(conversations, Conversation{Conversations: messages})
	}
	return conversations
}
