package audio

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidPassband = errors.New("invalid passband")

// Passband configures a Butterworth band-pass: a high-pass at LowHz and a
// low-pass at HighHz, each of the given order.
type Passband struct {
	LowHz  float64
	HighHz float64
	Order  int
}

func (p Passband) Validate(sampleRate int) error {
	nyquist := float64(sampleRate) / 2
	switch {
	case sampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidPassband, sampleRate)
	case p.Order < 1:
		return fmt.Errorf("%w: order %d", ErrInvalidPassband, p.Order)
	case p.LowHz <= 0 || p.HighHz <= p.LowHz:
		return fmt.Errorf("%w: %.1f-%.1f Hz", ErrInvalidPassband, p.LowHz, p.HighHz)
	case p.HighHz >= nyquist:
		return fmt.Errorf("%w: upper edge %.1f Hz at or above nyquist %.1f Hz", ErrInvalidPassband, p.HighHz, nyquist)
	}
	return nil
}

// BandPass filters every channel of the clip independently and returns a
// new clip; the input is left untouched.
func BandPass(clip Clip, band Passband) (Clip, error) {
	if err := band.Validate(clip.Format.SampleRate); err != nil {
		return Clip{}, err
	}

	channels := clip.Format.Channels
	if channels <= 0 {
		return Clip{}, ErrInvalidWAV
	}

	fs := float64(clip.Format.SampleRate)
	design := append(butterworth(band.Order, band.LowHz, fs, true), butterworth(band.Order, band.HighHz, fs, false)...)

	out := make([]float64, len(clip.Samples))
	for ch := 0; ch < channels; ch++ {
		chain := make([]biquad, len(design))
		copy(chain, design)

		for i := ch; i < len(clip.Samples); i += channels {
			v := clip.Samples[i]
			for s := range chain {
				v = chain[s].process(v)
			}
			out[i] = v
		}
	}

	return Clip{Format: clip.Format, Samples: out}, nil
}

// biquad is a transposed direct form II section with a0 normalized to 1.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

func (q *biquad) process(x float64) float64 {
	y := q.b0*x + q.z1
	q.z1 = q.b1*x - q.a1*y + q.z2
	q.z2 = q.b2*x - q.a2*y
	return y
}

// butterworth splits an order-n Butterworth filter into second-order
// sections, plus one first-order section when n is odd.
func butterworth(order int, cutoff, fs float64, highPass bool) []biquad {
	sections := make([]biquad, 0, order/2+1)

	w0 := 2 * math.Pi * cutoff / fs
	cosW := math.Cos(w0)
	sinW := math.Sin(w0)

	for k := 0; k < order/2; k++ {
		q := 1 / (2 * math.Sin(float64(2*k+1)*math.Pi/float64(2*order)))
		alpha := sinW / (2 * q)
		a0 := 1 + alpha

		var b0, b1, b2 float64
		if highPass {
			b0 = (1 + cosW) / 2
			b1 = -(1 + cosW)
			b2 = (1 + cosW) / 2
		} else {
			b0 = (1 - cosW) / 2
			b1 = 1 - cosW
			b2 = (1 - cosW) / 2
		}

		sections = append(sections, biquad{
			b0: b0 / a0,
			b1: b1 / a0,
			b2: b2 / a0,
			a1: -2 * cosW / a0,
			a2: (1 - alpha) / a0,
		})
	}

	if order%2 == 1 {
		k := math.Tan(math.Pi * cutoff / fs)
		a1 := (k - 1) / (k + 1)
		if highPass {
			sections = append(sections, biquad{b0: 1 / (1 + k), b1: -1 / (1 + k), a1: a1})
		} else {
			sections = append(sections, biquad{b0: k / (1 + k), b1: k / (1 + k), a1: a1})
		}
	}

	return sections
}
