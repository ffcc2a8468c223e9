package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kittclouds/lorekit/internal/llm"
	"github.com/kittclouds/lorekit/internal/worldbook"
	"github.com/kittclouds/lorekit/pkg/semaphore"
)

// Mode selects how duplicate entries are resolved during an import merge.
type Mode string

const (
	ModeReplace Mode = "replace"
	ModeKeep    Mode = "keep"
	ModeRename  Mode = "rename"
	ModeAppend  Mode = "append"
	ModeAI      Mode = "ai"
)

// DefaultAIConcurrency bounds concurrent AI merge calls.
const DefaultAIConcurrency = 3

// DefaultAIMergePrompt asks the model to fuse two entries into one. The
// {ENTRY_A}/{ENTRY_B} placeholders receive pretty-printed JSON.
const DefaultAIMergePrompt = `以下是同一对象的两份世界书条目，请合并为一份完整条目。
保留双方的关键词，整合内容，去除重复信息。
只输出合并后的 JSON 对象，字段为 关键词 和 内容。

条目A:
{ENTRY_A}

条目B:
{ENTRY_B}`

// DuplicateFailure records one duplicate the AI mode could not merge.
type DuplicateFailure struct {
	Category string
	Name     string
	Err      error
}

// Result reports what an import merge did.
type Result struct {
	Worldbook        worldbook.Tree
	NewEntries       int
	Duplicates       int
	Renamed          []string
	FailedDuplicates []DuplicateFailure
}

// Options configures Merge. Client and Prompt only matter for ModeAI.
type Options struct {
	Mode        Mode
	Client      llm.Client
	Prompt      string
	Concurrency int
}

// Merge reconciles imported into existing. New entries insert
// unconditionally; same-name entries with identical content are left
// alone; genuine duplicates resolve per mode. AI failures fall back to
// the append rule per duplicate and are collected, never fatal.
func Merge(ctx context.Context, existing, imported worldbook.Tree, opts Options) (*Result, error) {
	res := &Result{Worldbook: existing.Clone()}
	if res.Worldbook == nil {
		res.Worldbook = make(worldbook.Tree)
	}

	type dup struct {
		category string
		name     string
		incoming *worldbook.EntryData
	}
	var dups []dup

	for _, cat := range imported.Categories() {
		for _, name := range imported.EntryNames(cat) {
			incoming := imported.Get(cat, name)
			current := res.Worldbook.Get(cat, name)
			switch {
			case current == nil:
				res.Worldbook.Set(cat, name, incoming.Clone())
				res.NewEntries++
			case current.Equal(incoming):
				// identical content, nothing to resolve
			default:
				res.Duplicates++
				dups = append(dups, dup{category: cat, name: name, incoming: incoming})
			}
		}
	}

	if len(dups) == 0 {
		return res, nil
	}

	switch opts.Mode {
	case ModeReplace:
		for _, d := range dups {
			res.Worldbook.Set(d.category, d.name, d.incoming.Clone())
		}
	case ModeKeep:
		// existing entries win, imports discarded
	case ModeRename:
		for _, d := range dups {
			renamed := uniqueName(res.Worldbook, d.category, d.name)
			res.Worldbook.Set(d.category, renamed, d.incoming.Clone())
			res.Renamed = append(res.Renamed, d.category+"/"+renamed)
		}
	case ModeAppend, "":
		for _, d := range dups {
			res.Worldbook.Set(d.category, d.name, combine(res.Worldbook.Get(d.category, d.name), d.incoming))
		}
	case ModeAI:
		if opts.Client == nil {
			return nil, fmt.Errorf("merge: mode ai requires a client")
		}
		concurrency := opts.Concurrency
		if concurrency <= 0 {
			concurrency = DefaultAIConcurrency
		}
		prompt := opts.Prompt
		if prompt == "" {
			prompt = DefaultAIMergePrompt
		}

		sem := semaphore.New(concurrency)
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, d := range dups {
			wg.Add(1)
			go func(d dup) {
				defer wg.Done()
				if err := sem.Acquire(ctx); err != nil {
					mu.Lock()
					res.FailedDuplicates = append(res.FailedDuplicates, DuplicateFailure{Category: d.category, Name: d.name, Err: err})
					mu.Unlock()
					return
				}
				defer sem.Release()

				mu.Lock()
				current := res.Worldbook.Get(d.category, d.name).Clone()
				mu.Unlock()

				merged, err := aiMerge(ctx, opts.Client, prompt, current, d.incoming)
				if err != nil {
					merged = combine(current, d.incoming)
					mu.Lock()
					res.FailedDuplicates = append(res.FailedDuplicates, DuplicateFailure{Category: d.category, Name: d.name, Err: err})
					mu.Unlock()
				}
				mu.Lock()
				res.Worldbook.Set(d.category, d.name, merged)
				mu.Unlock()
			}(d)
		}
		wg.Wait()
	default:
		return nil, fmt.Errorf("merge: unknown mode %q", opts.Mode)
	}
	return res, nil
}

func uniqueName(tree worldbook.Tree, category, name string) string {
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", name, n)
		if tree.Get(category, candidate) == nil {
			return candidate
		}
	}
}

// aiMerge asks the model to fuse two entries and parses its JSON reply.
func aiMerge(ctx context.Context, client llm.Client, template string, a, b *worldbook.EntryData) (*worldbook.EntryData, error) {
	aJSON, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, err
	}
	bJSON, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, err
	}
	prompt := strings.ReplaceAll(template, "{ENTRY_A}", string(aJSON))
	prompt = strings.ReplaceAll(prompt, "{ENTRY_B}", string(bJSON))

	resp, err := client.Complete(ctx, llm.Request{Prompt: prompt, Attempt: 1})
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(resp.Text)
	if span := extractObject(text); span != "" {
		text = span
	}
	var merged worldbook.EntryData
	if err := json.Unmarshal([]byte(text), &merged); err != nil {
		return nil, fmt.Errorf("merge: ai reply parse: %w", err)
	}
	if merged.Empty() {
		return nil, fmt.Errorf("merge: ai reply carried no keywords or content")
	}
	return &merged, nil
}

func extractObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
