// Package merge implements the Merger/Deduplicator (C7): stitching
// per-chunk segment streams — already in absolute time, per the Chunk
// Store's contract — into one deduplicated MergedTimeline. The seam
// resolution algorithm and its tie-break rules follow the deterministic,
// multi-pass design the component is specified with; there is no single
// teacher file for this (the teacher transcribes one flat file per
// invocation and never merges overlapping chunks), so the pass structure
// is grounded on the plan-driven chunk boundaries already computed by
// internal/chunkplan and the absolute-time contract of internal/model.
package merge

import (
	"sort"
	"strconv"
	"strings"

	"github.com/galak06/ivrit-transcribe/internal/model"
)

const (
	defaultNgramDedupMin = 4
	defaultTurnGapSec    = 3.0
	// textDedupWindowSec is the "equal text within 200ms -> keep earlier" tie-break window.
	textDedupWindowSec = 0.2
)

// Options tunes the merge pass; zero values take spec defaults.
type Options struct {
	NgramDedupMin int
	TurnGapSec    float64
}

func (o Options) normalized() Options {
	if o.NgramDedupMin <= 0 {
		o.NgramDedupMin = defaultNgramDedupMin
	}
	if o.TurnGapSec <= 0 {
		o.TurnGapSec = defaultTurnGapSec
	}
	return o
}

// Merge converts completed chunk results into a single MergedTimeline.
// Failed and Skipped chunks contribute nothing (a silent gap in
// coverage); plan carries the chunk boundaries needed for seam
// resolution between adjacent completed chunks.
func Merge(results []model.ChunkResult, plan []model.Chunk, durationSec float64, opts Options) model.MergedTimeline {
	opts = opts.normalized()

	completed := make(map[int]model.ChunkResult)
	for _, r := range results {
		if r.Status == model.StatusCompleted {
			completed[r.Index] = r
		}
	}
	planByIndex := make(map[int]model.Chunk, len(plan))
	for _, c := range plan {
		planByIndex[c.Index] = c
	}

	var indices []int
	for idx := range completed {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	retained := make(map[int][]model.Segment, len(indices))
	for _, idx := range indices {
		segs := append([]model.Segment(nil), completed[idx].Segments...)
		sort.SliceStable(segs, func(i, j int) bool { return segs[i].StartSec < segs[j].StartSec })
		retained[idx] = segs
	}

	resolveSeams(indices, planByIndex, retained)

	all := flatten(indices, retained)
	sortSegments(all)
	all = dedupIdentical(all)
	all = dedupNearDuplicateText(all)
	all = clipToDuration(all, durationSec)
	all = dedupNgramSeams(all, opts.NgramDedupMin)

	fullText := buildFullText(all)
	blocks := buildSpeakerBlocks(all, opts.TurnGapSec)

	return model.MergedTimeline{
		Segments:      all,
		FullText:      fullText,
		SpeakerBlocks: blocks,
		Totals: model.Totals{
			Words:       len(strings.Fields(fullText)),
			Chars:       len([]rune(fullText)),
			DurationSec: durationSec,
		},
	}
}

// resolveSeams applies the overlap-region preference rule between every
// pair of plan-adjacent completed chunks, mutating retained in place.
func resolveSeams(indices []int, planByIndex map[int]model.Chunk, retained map[int][]model.Segment) {
	for i := 0; i < len(indices)-1; i++ {
		k, k1 := indices[i], indices[i+1]
		if k1 != k+1 {
			continue // a gap (skipped/failed chunk) separates them: no overlap to resolve
		}
		chunkK, okK := planByIndex[k]
		chunkK1, okK1 := planByIndex[k1]
		if !okK || !okK1 || chunkK.EndSec <= chunkK1.StartSec {
			continue // plan windows do not actually overlap
		}

		mid := (chunkK1.StartSec + chunkK.EndSec) / 2

		var keepK []model.Segment
		for _, s := range retained[k] {
			if s.StartSec < mid {
				keepK = append(keepK, s)
			}
		}
		retained[k] = keepK

		var keepK1 []model.Segment
		for _, s := range retained[k1] {
			if s.StartSec < chunkK1.StartSec {
				// Clip to the chunk's own start if that preserves a
				// non-degenerate span; otherwise the segment is dropped.
				if s.EndSec > chunkK1.StartSec {
					clipped := s
					clipped.StartSec = chunkK1.StartSec
					keepK1 = append(keepK1, clipped)
				}
				continue
			}
			// startSec in [chunkStart_{k+1}, mid) still overlaps chunk k's
			// retained tail: keep the segment rather than discard it, and
			// let dedupNgramSeams trim the words it repeats from chunk k's
			// version so any unique trailing text survives the seam.
			keepK1 = append(keepK1, s)
		}
		retained[k1] = keepK1
	}
}

func flatten(indices []int, retained map[int][]model.Segment) []model.Segment {
	var all []model.Segment
	for _, idx := range indices {
		all = append(all, retained[idx]...)
	}
	return all
}

func sortSegments(segments []model.Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].StartSec != segments[j].StartSec {
			return segments[i].StartSec < segments[j].StartSec
		}
		return (segments[i].EndSec - segments[i].StartSec) < (segments[j].EndSec - segments[j].StartSec)
	})
}

// dedupIdentical drops segments with an identical (startSec, endSec, text)
// to one already kept.
func dedupIdentical(segments []model.Segment) []model.Segment {
	seen := make(map[string]struct{}, len(segments))
	out := make([]model.Segment, 0, len(segments))
	for _, s := range segments {
		key := segmentKey(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

func segmentKey(s model.Segment) string {
	return s.Text + "\x00" + strconv.FormatFloat(s.StartSec, 'f', 3, 64) +
		"\x00" + strconv.FormatFloat(s.EndSec, 'f', 3, 64)
}

// dedupNearDuplicateText applies "equal text within 200ms -> keep
// earlier": when two (not necessarily adjacent-in-index) segments carry
// identical text and start within textDedupWindowSec of one another,
// the later one is dropped.
func dedupNearDuplicateText(segments []model.Segment) []model.Segment {
	out := make([]model.Segment, 0, len(segments))
	for _, s := range segments {
		dup := false
		for _, kept := range out {
			if kept.Text == s.Text && absFloat(kept.StartSec-s.StartSec) <= textDedupWindowSec {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, s)
		}
	}
	return out
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// clipToDuration truncates any segment extending past durationSec.
func clipToDuration(segments []model.Segment, durationSec float64) []model.Segment {
	if durationSec <= 0 {
		return segments
	}
	out := make([]model.Segment, 0, len(segments))
	for _, s := range segments {
		if s.StartSec >= durationSec {
			continue
		}
		if s.EndSec > durationSec {
			s.EndSec = durationSec
		}
		out = append(out, s)
	}
	return out
}

// dedupNgramSeams drops a shared trailing/leading word run of length >= n
// between consecutive segments, trimming the duplicated prefix from the
// later segment's text.
func dedupNgramSeams(segments []model.Segment, n int) []model.Segment {
	if n <= 0 || len(segments) < 2 {
		return segments
	}
	out := make([]model.Segment, len(segments))
	copy(out, segments)

	for i := 1; i < len(out); i++ {
		prevWords := strings.Fields(out[i-1].Text)
		curWords := strings.Fields(out[i].Text)
		overlap := longestPrefixSuffixOverlap(prevWords, curWords, n)
		if overlap > 0 {
			out[i].Text = strings.Join(curWords[overlap:], " ")
		}
	}
	return out
}

// longestPrefixSuffixOverlap returns the length of the longest run (at
// least min) that is simultaneously a suffix of a and a prefix of b.
func longestPrefixSuffixOverlap(a, b []string, min int) int {
	maxLen := len(a)
	if len(b) < maxLen {
		maxLen = len(b)
	}
	for l := maxLen; l >= min; l-- {
		if equalWords(a[len(a)-l:], b[:l]) {
			return l
		}
	}
	return 0
}

func equalWords(a, b []string) bool {
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func buildFullText(segments []model.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		t := strings.TrimSpace(s.Text)
		if t != "" {
			parts = append(parts, t)
		}
	}
	joined := strings.Join(parts, " ")
	return strings.Join(strings.Fields(joined), " ")
}

// buildSpeakerBlocks groups consecutive same-speaker segments separated
// by at most turnGapSec into a SpeakerBlock; a larger gap or a speaker
// change starts a new block. Returns nil if no segment carries a speaker.
func buildSpeakerBlocks(segments []model.Segment, turnGapSec float64) []model.SpeakerBlock {
	hasSpeaker := false
	for _, s := range segments {
		if s.Speaker != "" {
			hasSpeaker = true
			break
		}
	}
	if !hasSpeaker {
		return nil
	}

	var blocks []model.SpeakerBlock
	for _, s := range segments {
		if len(blocks) > 0 {
			last := &blocks[len(blocks)-1]
			if last.Speaker == s.Speaker && s.StartSec-last.EndSec <= turnGapSec {
				last.EndSec = s.EndSec
				last.Text = strings.TrimSpace(last.Text + " " + s.Text)
				continue
			}
		}
		blocks = append(blocks, model.SpeakerBlock{
			Speaker:  s.Speaker,
			StartSec: s.StartSec,
			EndSec:   s.EndSec,
			Text:     s.Text,
		})
	}
	return blocks
}
