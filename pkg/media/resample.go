package media

import (
	"fmt"

	"softswitch/pkg/errors"
)

// Resample converts PCM between the narrowband and wideband rates used by
// the registered codecs. Upsampling doubles by linear interpolation;
// downsampling halves by averaging adjacent pairs, which costs a little
// high-frequency response but avoids aliasing the worst offenders into the
// narrowband signal.
func Resample(pcm []int16, fromRate, toRate int) ([]int16, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, errors.Wrap(errors.ErrCodecMismatch, fmt.Sprintf("invalid sample rates %d->%d", fromRate, toRate))
	}
	if fromRate == toRate {
		return pcm, nil
	}

	switch {
	case toRate == fromRate*2:
		return upsampleDouble(pcm), nil
	case fromRate == toRate*2:
		return downsampleHalf(pcm), nil
	default:
		return nil, errors.Wrap(errors.ErrCodecMismatch,
			fmt.Sprintf("unsupported resample ratio %d->%d", fromRate, toRate))
	}
}

func upsampleDouble(pcm []int16) []int16 {
	if len(pcm) == 0 {
		return nil
	}

	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = s
		if i+1 < len(pcm) {
			out[2*i+1] = int16((int(s) + int(pcm[i+1])) / 2)
		} else {
			out[2*i+1] = s
		}
	}
	return out
}

func downsampleHalf(pcm []int16) []int16 {
	if len(pcm) == 0 {
		return nil
	}

	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16((int(pcm[2*i]) + int(pcm[2*i+1])) / 2)
	}
	return out
}
