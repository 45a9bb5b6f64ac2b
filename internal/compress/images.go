package compress

import (
	"bytes"
	"image"
	_ "image/gif" // decoder registration
	"image/jpeg"
	_ "image/png" // decoder registration
	"log/slog"
	"math"
	"slices"

	"github.com/MrWong99/hearth/pkg/types"
)

// DefaultStartQuality is the JPEG quality of the first reduced image.
const DefaultStartQuality = 90

// ImagePolicy configures [ReduceImages].
type ImagePolicy struct {
	Enabled bool

	// StartIndex is the number of newest images left untouched.
	StartIndex int

	// MinQuality is the lowest JPEG quality ever produced.
	MinQuality int

	// DecreaseRate is subtracted from the quality for each position past
	// StartIndex, or taken as a percentage per position when UsePercentage
	// is set.
	DecreaseRate  float64
	UsePercentage bool

	// StartQuality defaults to [DefaultStartQuality].
	StartQuality int
}

// Quality returns the JPEG quality for the image at position pos, counted
// from the newest image (0). It returns 0 for positions that keep their
// original encoding.
func (p ImagePolicy) Quality(pos int) int {
	if !p.Enabled || pos < p.StartIndex {
		return 0
	}
	start := p.StartQuality
	if start <= 0 || start > 100 {
		start = DefaultStartQuality
	}
	floor := min(max(p.MinQuality, 1), 100)

	steps := float64(pos - p.StartIndex + 1)
	var q float64
	if p.UsePercentage {
		q = float64(start) * math.Pow(1-p.DecreaseRate/100, steps)
	} else {
		q = float64(start) - p.DecreaseRate*steps
	}
	return max(int(math.Round(q)), floor)
}

// ReduceImages returns msgs with every data-URL image older than the policy's
// start index re-encoded as JPEG at a lower quality. Remote URLs, formats
// without a stdlib decoder and images that would not shrink are kept as they
// are. msgs is not modified.
func ReduceImages(msgs []types.Message, p ImagePolicy) []types.Message {
	if !p.Enabled {
		return msgs
	}

	type loc struct{ msg, part int }
	var images []loc
	for i := len(msgs) - 1; i >= 0; i-- {
		for j := len(msgs[i].Parts) - 1; j >= 0; j-- {
			if msgs[i].Parts[j].Type == types.PartImage {
				images = append(images, loc{i, j})
			}
		}
	}
	if len(images) <= p.StartIndex {
		return msgs
	}

	out := slices.Clone(msgs)
	cloned := map[int]bool{}
	for pos, l := range images {
		q := p.Quality(pos)
		if q == 0 {
			continue
		}
		url := msgs[l.msg].Parts[l.part].URL
		reduced, ok := reencode(url, q)
		if !ok {
			continue
		}
		if !cloned[l.msg] {
			out[l.msg].Parts = slices.Clone(msgs[l.msg].Parts)
			cloned[l.msg] = true
		}
		out[l.msg].Parts[l.part].URL = reduced
	}
	return out
}

func reencode(url string, quality int) (string, bool) {
	_, data, err := types.DecodeDataURL(url)
	if err != nil {
		return "", false
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		slog.Debug("compress: image not decodable, kept as is", "err", err)
		return "", false
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		slog.Warn("compress: jpeg encode failed", "err", err)
		return "", false
	}
	if buf.Len() >= len(data) {
		return "", false
	}
	return types.EncodeDataURL("image/jpeg", buf.Bytes()), true
}
