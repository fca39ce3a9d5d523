// Package tasks holds the built-in generation task catalog: recruiting copy
// suggestions, job refinement, channel recommendation, image prompting, and
// video storyboarding. Descriptors here are the caller-domain side of the
// orchestration contract: prompts stay deliberately small, parsers carry
// the real shape knowledge.
package tasks

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hirelens/genflow/llm"
	"github.com/hirelens/genflow/llm/jsonextract"
	"github.com/hirelens/genflow/types"
)

// strictSuffix is the prompt-level strict-mode instruction injected on
// retries. Most malformed output is correct JSON wrapped in prose; a
// sharper instruction fixes that without protocol changes.
const strictSuffix = "\n\nReturn ONLY a single valid JSON object. No explanations, no markdown, no code fences."

// Catalog returns the built-in task descriptors. The logger feeds the JSON
// extraction layer's repair warnings.
func Catalog(logger *zap.Logger) []*llm.Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []*llm.Task{
		suggestTask(logger),
		refineTask(logger),
		channelsTask(logger),
		imagePromptTask(),
		storyboardTask(logger),
		posterImageTask(),
	}
}

// str reads a string field from an opaque map context.
func str(tctx any, key string) string {
	if m, ok := tctx.(map[string]any); ok {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return ""
}

func withStrict(prompt string, attempt llm.Attempt) string {
	if attempt.Strict {
		return prompt + strictSuffix
	}
	return prompt
}

// suggestTask produces short copy suggestions for a role.
func suggestTask(logger *zap.Logger) *llm.Task {
	schema := types.NewObjectSchema().
		AddProperty("candidates", types.NewArraySchema(types.NewStringSchema())).
		AddRequired("candidates")

	return &llm.Task{
		Name:   "suggest",
		System: "You write concise recruiting copy.",
		User: func(tctx any, attempt llm.Attempt) string {
			p := fmt.Sprintf(
				"Suggest 3 short copy lines for the role %q with a %s tone, as JSON: {\"candidates\": [string]}.",
				str(tctx, "role"), str(tctx, "tone"))
			return withStrict(p, attempt)
		},
		Parse: func(_ any, resp *llm.InvokeResponse) (any, *types.TaskError) {
			obj := responseObject(resp, logger)
			if obj == nil {
				return nil, types.NewTaskError(types.ReasonStructuredMissing, "no JSON object in response")
			}
			candidates := stringSlice(obj["candidates"])
			if len(candidates) == 0 {
				return nil, types.NewTaskError(types.ReasonParseError, "response has no candidates")
			}
			return candidates, nil
		},
		Mode:          llm.ModeJSON,
		Temperature:   0.8,
		MaxTokens:     1024,
		Retries:       2,
		StrictOnRetry: true,
		Schema:        schema,
		SchemaName:    "copy_suggestions",
	}
}

// refineTask rewrites a job posting. The "updates" field is a dynamic
// string-keyed map; closed-schema providers receive it as a JSON-encoded
// string (the converter's escape hatch), so the parser accepts both forms.
func refineTask(logger *zap.Logger) *llm.Task {
	schema := types.NewObjectSchema().
		AddProperty("title", types.NewStringSchema()).
		AddProperty("summary", types.NewStringSchema()).
		AddProperty("updates", types.NewMapSchema(types.NewStringSchema())).
		AddRequired("title", "summary", "updates")

	return &llm.Task{
		Name:   "refine",
		System: "You improve job postings field by field.",
		User: func(tctx any, attempt llm.Attempt) string {
			p := fmt.Sprintf(
				"Refine this job posting. Title: %q. Description: %q. "+
					"Respond as JSON: {\"title\": string, \"summary\": string, \"updates\": {field: new text}}.",
				str(tctx, "title"), str(tctx, "description"))
			return withStrict(p, attempt)
		},
		Parse: func(_ any, resp *llm.InvokeResponse) (any, *types.TaskError) {
			obj := responseObject(resp, logger)
			if obj == nil {
				return nil, types.NewTaskError(types.ReasonStructuredMissing, "no JSON object in response")
			}
			updates := decodeUpdates(obj["updates"], logger)
			if len(updates) == 0 {
				return nil, types.NewTaskError(types.ReasonMissingUpdates, "refinement contains no field updates")
			}
			return map[string]any{
				"title":   obj["title"],
				"summary": obj["summary"],
				"updates": updates,
			}, nil
		},
		Mode:          llm.ModeJSON,
		Temperature:   0.4,
		MaxTokens:     2048,
		Retries:       2,
		StrictOnRetry: true,
		Schema:        schema,
		SchemaName:    "job_refinement",
	}
}

// channelsTask recommends sourcing channels, with search grounding. On
// providers where grounding excludes native schema enforcement, the schema
// degrades to prompt guidance and extraction recovers the JSON.
func channelsTask(logger *zap.Logger) *llm.Task {
	schema := types.NewObjectSchema().
		AddProperty("channels", types.NewArraySchema(
			types.NewObjectSchema().
				AddProperty("name", types.NewStringSchema()).
				AddProperty("rationale", types.NewStringSchema()).
				AddRequired("name", "rationale"))).
		AddRequired("channels")

	return &llm.Task{
		Name:   "channels",
		System: "You recommend recruiting channels backed by current information.",
		User: func(tctx any, attempt llm.Attempt) string {
			p := fmt.Sprintf(
				"Recommend up to 5 sourcing channels for hiring a %q in %q, as JSON: "+
					"{\"channels\": [{\"name\": string, \"rationale\": string}]}.",
				str(tctx, "role"), str(tctx, "region"))
			return withStrict(p, attempt)
		},
		Parse: func(_ any, resp *llm.InvokeResponse) (any, *types.TaskError) {
			obj := responseObject(resp, logger)
			if obj == nil {
				return nil, types.NewTaskError(types.ReasonStructuredMissing, "no JSON object in response")
			}
			raw, _ := obj["channels"].([]any)
			if len(raw) == 0 {
				return nil, types.NewTaskError(types.ReasonParseError, "response has no channels")
			}
			return obj, nil
		},
		Mode:          llm.ModeJSON,
		Temperature:   0.3,
		MaxTokens:     2048,
		Retries:       1,
		StrictOnRetry: true,
		Schema:        schema,
		SchemaName:    "channel_plan",
		Grounding:     true,
	}
}

// imagePromptTask drafts an image-generation prompt as plain text.
func imagePromptTask() *llm.Task {
	return &llm.Task{
		Name:   "image_prompt",
		System: "You write vivid single-paragraph image prompts.",
		User: func(tctx any, _ llm.Attempt) string {
			return fmt.Sprintf("Write an image prompt for a recruiting poster about %q.", str(tctx, "theme"))
		},
		Parse: func(_ any, resp *llm.InvokeResponse) (any, *types.TaskError) {
			text := strings.TrimSpace(resp.Text)
			if text == "" {
				return nil, types.NewTaskError(types.ReasonParseError, "empty prompt text")
			}
			return text, nil
		},
		Mode:        llm.ModeText,
		Temperature: 0.9,
		MaxTokens:   512,
		Retries:     1,
	}
}

// storyboardTask plans video scenes. Output budgets differ per provider;
// long-form scene lists need more room on some backends.
func storyboardTask(logger *zap.Logger) *llm.Task {
	schema := types.NewObjectSchema().
		AddProperty("scenes", types.NewArraySchema(
			types.NewObjectSchema().
				AddProperty("caption", types.NewStringSchema()).
				AddProperty("duration_seconds", types.NewNumberSchema()).
				AddRequired("caption", "duration_seconds"))).
		AddRequired("scenes")

	return &llm.Task{
		Name:   "storyboard",
		System: "You plan short recruiting videos scene by scene.",
		User: func(tctx any, attempt llm.Attempt) string {
			p := fmt.Sprintf(
				"Storyboard a %s-second recruiting video about %q, as JSON: "+
					"{\"scenes\": [{\"caption\": string, \"duration_seconds\": number}]}.",
				str(tctx, "duration"), str(tctx, "theme"))
			return withStrict(p, attempt)
		},
		Parse: func(_ any, resp *llm.InvokeResponse) (any, *types.TaskError) {
			obj := responseObject(resp, logger)
			if obj == nil {
				return nil, types.NewTaskError(types.ReasonStructuredMissing, "no JSON object in response")
			}
			scenes, _ := obj["scenes"].([]any)
			if len(scenes) == 0 {
				return nil, types.NewTaskError(types.ReasonParseError, "storyboard has no scenes")
			}
			return obj, nil
		},
		Mode:        llm.ModeJSON,
		Temperature: 0.6,
		MaxTokens:   2048,
		MaxTokensByProvider: map[string]int{
			"anthropic": 8192,
			"gemini":    8192,
		},
		Retries:       2,
		StrictOnRetry: true,
		Schema:        schema,
		SchemaName:    "storyboard",
	}
}

// posterImageTask generates the poster itself. The adapter returns base64
// payloads in the structured field; the task name carries the "image" tag
// the audit redaction keys on.
func posterImageTask() *llm.Task {
	return &llm.Task{
		Name: "poster_image",
		User: func(tctx any, _ llm.Attempt) string {
			return str(tctx, "prompt")
		},
		Parse: func(_ any, resp *llm.InvokeResponse) (any, *types.TaskError) {
			if resp.JSON == nil {
				return nil, types.NewTaskError(types.ReasonInvalidResponse, "image response has no structured payload")
			}
			images, _ := resp.JSON["images"].([]any)
			if len(images) == 0 {
				return nil, types.NewTaskError(types.ReasonParseError, "image response has no images")
			}
			return resp.JSON, nil
		},
		Mode:        llm.ModeText,
		Temperature: 0,
		MaxTokens:   0,
		Retries:     1,
	}
}

// responseObject returns the provider's structured payload, preferring a
// natively separated JSON object and falling back to extraction from text.
func responseObject(resp *llm.InvokeResponse, logger *zap.Logger) map[string]any {
	if resp.JSON != nil {
		return resp.JSON
	}
	return jsonextract.Extract(resp.Text, logger)
}

func stringSlice(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// decodeUpdates accepts the dynamic updates map in either of its wire
// forms: a plain object, or the JSON-encoded string the closed-schema
// escape hatch produces.
func decodeUpdates(v any, logger *zap.Logger) map[string]string {
	switch val := v.(type) {
	case map[string]any:
		return toStringMap(val)
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(val), &decoded); err != nil {
			logger.Warn("updates string is not valid JSON", zap.Error(err))
			return nil
		}
		return toStringMap(decoded)
	default:
		return nil
	}
}

func toStringMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
