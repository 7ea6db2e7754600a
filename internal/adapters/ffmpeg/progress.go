package ffmpeg

import (
	"regexp"
	"strconv"
)

// The tool reports the stream duration once and the transcode position
// continuously on stderr; percentage progress is derived from the two.
var (
	durationRe = regexp.MustCompile(`Duration: (\d+):(\d+):(\d+\.?\d*)`)
	timeRe     = regexp.MustCompile(`time=(\d+):(\d+):(\d+\.?\d*)`)
)

// parseClock converts matched HH, MM, SS.ms groups to seconds.
func parseClock(groups []string) (float64, bool) {
	if len(groups) != 4 {
		return 0, false
	}
	hours, err1 := strconv.Atoi(groups[1])
	minutes, err2 := strconv.Atoi(groups[2])
	seconds, err3 := strconv.ParseFloat(groups[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return float64(hours)*3600 + float64(minutes)*60 + seconds, true
}

// parseDurationLine extracts the total stream duration, if present.
func parseDurationLine(line string) (float64, bool) {
	return parseClock(durationRe.FindStringSubmatch(line))
}

// parseTimeLine extracts the current transcode position, if present.
func parseTimeLine(line string) (float64, bool) {
	return parseClock(timeRe.FindStringSubmatch(line))
}

// percent caps derived progress at 99; only a verified artifact is 100.
func percent(current, total float64) int {
	if total <= 0 || current <= 0 {
		return 0
	}
	p := int(current / total * 100)
	if p > 99 {
		p = 99
	}
	return p
}
