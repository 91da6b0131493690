package modplay

import "time"

const (
	Channels       = 2
	BytesPerSample = 2
	// BytesPerFrame: 2 канала по int16.
	BytesPerFrame = Channels * BytesPerSample

	DefaultSampleRate   = 48000
	DefaultBufferFrames = 1024
	DefaultPollInterval = 100 * time.Millisecond
	DefaultStopTimeout  = 3 * time.Second

	// DefaultSubsong играет подпесню, которую модуль считает основной.
	DefaultSubsong = -1

	minSampleRate = 8000
	maxSampleRate = 192000
)

// secondsToBytes переводит секунды в смещение PCM в байтах.
// Результат всегда выровнен по кадру.
func secondsToBytes(seconds float64, sampleRate int) int64 {
	frames := int64(seconds * float64(sampleRate))
	return frames * BytesPerFrame
}

// bytesToSeconds переводит байты PCM в секунды.
func bytesToSeconds(b int64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(b) / float64(sampleRate*BytesPerFrame)
}

// framesToSeconds переводит число кадров в секунды.
func framesToSeconds(frames int64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(frames) / float64(sampleRate)
}

// validateParams проверяет и корректирует параметры перед запуском.
func validateParams(p SessionParams) SessionParams {
	if p.SampleRate <= 0 {
		p.SampleRate = DefaultSampleRate
	}
	if p.SampleRate < minSampleRate {
		p.SampleRate = minSampleRate
	}
	if p.SampleRate > maxSampleRate {
		p.SampleRate = maxSampleRate
	}

	if p.BufferFrames <= 0 {
		p.BufferFrames = DefaultBufferFrames
	}

	// Громкость 0 значит "не задано", тишина - отрицательное значение.
	if p.Volume == 0 || p.Volume > 1 {
		p.Volume = 1.0
	}
	if p.Volume < 0 {
		p.Volume = 0
	}

	if p.Subsong < DefaultSubsong {
		p.Subsong = DefaultSubsong
	}

	if p.StartAt < 0 {
		p.StartAt = 0
	}

	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}

	return p
}
