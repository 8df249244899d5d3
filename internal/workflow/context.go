package workflow

import (
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Context is the accumulated key/value state passed from step to step.
type Context map[string]string

func NewContext(poem Poem, sourceLang, targetLang string) Context {
	if strings.TrimSpace(sourceLang) == "" {
		sourceLang = poem.SourceLang
	}
	return Context{
		KeyPoemID:       poem.ID,
		KeyPoemTitle:    poem.Title,
		KeyPoemAuthor:   poem.Author,
		KeyOriginalPoem: poem.Text,
		KeySourceLang:   sourceLang,
		KeyTargetLang:   targetLang,
	}
}

func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Fold returns a copy of wctx with the parsed output of step merged in
// under the step's context keys. Unknown fields are dropped.
func Fold(step StepName, wctx Context, parsed map[string]string) Context {
	out := wctx.Clone()
	spec, ok := stepSpecs[step]
	if !ok {
		return out
	}
	for field, key := range spec.fold {
		if v, ok := parsed[field]; ok {
			out[key] = v
		}
	}
	return out
}

// BuildResult aggregates a finished context into a Result.
func BuildResult(id string, mode Mode, wctx Context, models map[StepName]string, now time.Time) Result {
	title := wctx[KeyRefinedTranslatedPoemTitle]
	if title == "" {
		title = wctx[KeyTranslatedPoemTitle]
	}
	copied := make(map[StepName]string, len(models))
	for k, v := range models {
		copied[k] = v
	}
	return Result{
		ID:                      id,
		PoemID:                  wctx[KeyPoemID],
		Mode:                    mode,
		SourceLang:              wctx[KeySourceLang],
		TargetLang:              wctx[KeyTargetLang],
		InitialTranslation:      wctx[KeyInitialTranslation],
		InitialTranslationNotes: wctx[KeyInitialTranslationNotes],
		EditorSuggestions:       wctx[KeyEditorSuggestions],
		RevisedTranslation:      wctx[KeyRevisedTranslation],
		RevisedTranslationNotes: wctx[KeyRevisedTranslationNotes],
		TranslatedTitle:         title,
		Models:                  copied,
		RevisionDiff:            RevisionDiff(wctx[KeyInitialTranslation], wctx[KeyRevisedTranslation]),
		CreatedAt:               now.UTC(),
	}
}

// RevisionDiff returns a unified-style patch from draft to revised. Empty
// when the two are identical.
func RevisionDiff(draft, revised string) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(draft, revised)
	return dmp.PatchToText(patches)
}
