// Package scoring turns a finished measurement into AIM use-case scores.
//
// Every function here is pure: the same TestResult and LoadedLatencyResult
// always produce the same AIMScores.
package scoring

import (
	"fmt"
	"math"

	"github.com/amarcoder01/customsp/pkg/types"
)

// packetLossPct stands in for a packet-loss measurement, which this
// service does not perform.
const packetLossPct = 0.0

var (
	gamingLatency = bands{
		{match: below(20), points: 50, caps: []string{"Perfect for competitive gaming (esports-level)"}},
		{match: below(50), points: 45, caps: []string{"Excellent for online gaming"}},
		{match: below(80), points: 35,
			caps:   []string{"Good for most online games"},
			issues: []string{"Latency {ms}ms - noticeable in fast-paced games"}},
		{match: below(100), points: 25,
			caps:   []string{"Playable for casual games"},
			issues: []string{"Latency {ms}ms - not ideal for competitive play"},
			recs:   []string{"Reduce bufferbloat to improve latency"}},
		{match: below(150), points: 15,
			issues: []string{"High latency {ms}ms - lag will be noticeable"},
			recs:   []string{"Enable SQM/QoS on router", "Consider wired connection instead of WiFi"}},
		{match: always, points: 5,
			issues: []string{"Very high latency {ms}ms - gaming will be frustrating"},
			recs:   []string{"Check for network congestion", "Contact ISP about high latency"}},
	}
	gamingJitter = bands{
		{match: below(5), points: 25, caps: []string{"Consistent performance - no lag spikes"}},
		{match: below(15), points: 20},
		{match: below(30), points: 15, issues: []string{"Jitter {ms}ms - occasional lag spikes"}},
		{match: always, points: 5,
			issues: []string{"High jitter {ms}ms - frequent lag spikes"},
			recs:   []string{"Check WiFi signal strength"}},
	}
	gamingLoss = bands{
		{match: below(0.1), points: 15},
		{match: below(1), points: 10},
		{match: below(3), points: 5, issues: []string{"Packet loss {pct}% - rubber-banding may occur"}},
		{match: always, points: 0, issues: []string{"High packet loss {pct}% - game will be unplayable"}},
	}
	gamingDownload = bands{
		{match: atLeast(25), points: 10},
		{match: atLeast(10), points: 8},
		{match: atLeast(5), points: 5, issues: []string{"Low bandwidth may cause download delays"}},
		{match: always, points: 2, issues: []string{"Very low bandwidth - game downloads will be slow"}},
	}

	streamingDownload = bands{
		{match: atLeast(100), points: 40, caps: []string{"8K streaming on multiple devices", "4K 60fps streaming with headroom"}},
		{match: atLeast(50), points: 38, caps: []string{"4K streaming on 2-3 devices", "HD streaming on many devices"}},
		{match: atLeast(25), points: 35, caps: []string{"4K streaming on 1 device", "HD streaming on 2-3 devices"}},
		{match: atLeast(15), points: 30, caps: []string{"HD (1080p) streaming reliably"}},
		{match: atLeast(10), points: 25,
			caps: []string{"HD streaming on 1 device"},
			recs: []string{"4K may buffer occasionally"}},
		{match: atLeast(5), points: 15,
			caps: []string{"SD/HD streaming works"},
			recs: []string{"Avoid 4K streaming"}},
		{match: always, points: 5,
			recs: []string{"Speed {mbps} Mbps too low for HD", "Upgrade plan for better streaming"}},
	}
	streamingLatency = bands{
		{match: below(50), points: 30},
		{match: below(100), points: 25},
		{match: below(200), points: 20, recs: []string{"High latency may cause buffering"}},
		{match: always, points: 10, recs: []string{"Reduce bufferbloat for smoother streaming"}},
	}
	streamingJitter = bands{
		{match: below(10), points: 20},
		{match: below(30), points: 15},
		{match: below(50), points: 10},
		{match: always, points: 5},
	}

	conferencingUpload = bands{
		{match: atLeast(20), points: 30, caps: []string{"4K video calls with screen sharing"}},
		{match: atLeast(10), points: 28, caps: []string{"HD video calls with screen sharing"}},
		{match: atLeast(5), points: 25, caps: []string{"HD video calls work well"}},
		{match: atLeast(3), points: 20, caps: []string{"HD video calls (may struggle with screen share)"}},
		{match: atLeast(1.5), points: 15,
			caps: []string{"SD video calls work"},
			recs: []string{"HD may be choppy"}},
		{match: always, points: 5,
			recs: []string{"Upload {mbps} Mbps too low for video", "Use audio-only or upgrade plan"}},
	}
	conferencingLatency = bands{
		{match: below(30), points: 30, caps: []string{"Smooth real-time conversation"}},
		{match: below(80), points: 25},
		{match: below(150), points: 20, recs: []string{"Latency may cause awkward pauses"}},
		{match: below(250), points: 10,
			recs: []string{"High upload latency {ms}ms", "Enable SQM to reduce bufferbloat"}},
		{match: always, points: 5,
			recs: []string{"Very high upload latency {ms}ms", "Video will freeze frequently"}},
	}
	conferencingJitter = bands{
		{match: below(10), points: 25},
		{match: below(20), points: 20},
		{match: below(40), points: 15, recs: []string{"Jitter may cause choppy audio/video"}},
		{match: always, points: 5},
	}
	conferencingDownload = bands{
		{match: atLeast(10), points: 15},
		{match: atLeast(5), points: 12},
		{match: atLeast(2.5), points: 8},
		{match: always, points: 3},
	}

	browsingDownload = bands{
		{match: atLeast(100), points: 40, caps: []string{"Lightning-fast page loads", "Instant large downloads"}},
		{match: atLeast(50), points: 38, caps: []string{"Very fast browsing experience"}},
		{match: atLeast(25), points: 35, caps: []string{"Fast page loads and downloads"}},
		{match: atLeast(10), points: 30, caps: []string{"Good browsing experience"}},
		{match: atLeast(5), points: 20, caps: []string{"Adequate for basic browsing"}},
		{match: always, points: 10, recs: []string{"Speed {mbps} Mbps is slow"}},
	}
	browsingLatency = bands{
		{match: below(20), points: 40, caps: []string{"Instant page response"}},
		{match: below(50), points: 35},
		{match: below(100), points: 30},
		{match: below(200), points: 20, recs: []string{"Pages may feel slightly sluggish"}},
		{match: always, points: 10},
	}
)

// Calculate scores all four use cases. It never fails; callers must not
// invoke it for sessions that did not finish.
func Calculate(result types.TestResult, loaded types.LoadedLatencyResult) types.AIMScores {
	gaming := Gaming(result, loaded)
	streaming := Streaming(result, loaded)
	conferencing := VideoConferencing(result, loaded)
	browsing := Browsing(result, loaded)

	overall := gaming.Score*0.25 + streaming.Score*0.25 +
		conferencing.Score*0.25 + browsing.Score*0.25

	return types.AIMScores{
		Gaming:            gaming,
		Streaming:         streaming,
		VideoConferencing: conferencing,
		GeneralBrowsing:   browsing,
		OverallScore:      overall,
		OverallGrade:      types.GradeFromScore(overall),
	}
}

// Gaming weighs worst loaded latency 50, jitter 25, loss 15, download 10.
func Gaming(result types.TestResult, loaded types.LoadedLatencyResult) types.UseCaseScore {
	var n notes
	worst := math.Max(loaded.Download.AverageMs, loaded.Upload.AverageMs)

	score := gamingLatency.eval(worst, &n)
	score += gamingJitter.eval(result.JitterMs, &n)
	score += gamingLoss.eval(packetLossPct, &n)
	score += gamingDownload.eval(result.DownloadMbps, &n)

	grade := types.GradeFromScore(score)
	var assessment string
	switch grade {
	case types.QualityExcellent:
		assessment = "Perfect for competitive gaming - esports ready!"
	case types.QualityGood:
		assessment = "Great for online gaming - smooth experience"
	case types.QualityFair:
		assessment = "Playable but not ideal - casual gaming okay"
	case types.QualityPoor:
		assessment = "Poor gaming experience - lag will be noticeable"
	case types.QualityVeryPoor:
		assessment = "Not suitable for online gaming"
	}

	var verdict string
	switch {
	case worst < 50:
		verdict = "Your connection is excellent for gaming."
	case worst < 100:
		verdict = "Your connection is acceptable but could be better."
	default:
		verdict = "High latency will cause noticeable lag."
	}

	return n.score(score, grade, assessment,
		fmt.Sprintf("Gaming requires low latency (%.0fms) and stable connection. %s", worst, verdict))
}

// Streaming weighs download 40, download-loaded latency 30, jitter 20, loss 10.
func Streaming(result types.TestResult, loaded types.LoadedLatencyResult) types.UseCaseScore {
	var n notes
	score := streamingDownload.eval(result.DownloadMbps, &n)
	score += streamingLatency.eval(loaded.Download.AverageMs, &n)
	score += streamingJitter.eval(result.JitterMs, &n)
	score += 10

	grade := types.GradeFromScore(score)
	var assessment string
	switch grade {
	case types.QualityExcellent:
		assessment = "Perfect for 4K/8K streaming on multiple devices"
	case types.QualityGood:
		assessment = "Great for 4K streaming and HD on multiple devices"
	case types.QualityFair:
		assessment = "HD streaming works, 4K may buffer occasionally"
	case types.QualityPoor:
		assessment = "SD/HD only, frequent buffering possible"
	case types.QualityVeryPoor:
		assessment = "Streaming will be problematic"
	}

	var verdict string
	switch {
	case result.DownloadMbps >= 25:
		verdict = "Your speed is excellent for streaming."
	case result.DownloadMbps >= 10:
		verdict = "Your speed is adequate for HD streaming."
	default:
		verdict = "Your speed may struggle with HD content."
	}

	return n.score(score, grade, assessment,
		fmt.Sprintf("Streaming quality depends on download speed (%.1f Mbps) and stability. %s", result.DownloadMbps, verdict))
}

// VideoConferencing weighs upload 30, upload-loaded latency 30, jitter 25,
// download 15.
func VideoConferencing(result types.TestResult, loaded types.LoadedLatencyResult) types.UseCaseScore {
	var n notes
	score := conferencingUpload.eval(result.UploadMbps, &n)
	score += conferencingLatency.eval(loaded.Upload.AverageMs, &n)
	score += conferencingJitter.eval(result.JitterMs, &n)
	score += conferencingDownload.eval(result.DownloadMbps, &n)

	grade := types.GradeFromScore(score)
	var assessment string
	switch grade {
	case types.QualityExcellent:
		assessment = "Perfect for 4K video calls and screen sharing"
	case types.QualityGood:
		assessment = "HD video conferencing works smoothly"
	case types.QualityFair:
		assessment = "Video calls work, occasional quality drops"
	case types.QualityPoor:
		assessment = "Video calls may be choppy or freeze"
	case types.QualityVeryPoor:
		assessment = "Not suitable for video conferencing"
	}

	ul := loaded.Upload.AverageMs
	var verdict string
	switch {
	case ul < 80 && result.UploadMbps >= 5:
		verdict = "Your connection is great for video calls."
	case ul > 150:
		verdict = "High upload latency will cause frozen video."
	default:
		verdict = "Your connection should work for video calls."
	}

	return n.score(score, grade, assessment,
		fmt.Sprintf("Video calls need good upload (%.1f Mbps) and low upload latency (%.0fms). %s", result.UploadMbps, ul, verdict))
}

// Browsing weighs download 40, idle latency 40, jitter and loss 20.
func Browsing(result types.TestResult, loaded types.LoadedLatencyResult) types.UseCaseScore {
	var n notes
	score := browsingDownload.eval(result.DownloadMbps, &n)
	score += browsingLatency.eval(loaded.Idle.AverageMs, &n)
	score += 20

	grade := types.GradeFromScore(score)
	var assessment string
	switch grade {
	case types.QualityExcellent:
		assessment = "Outstanding browsing experience - instant and smooth"
	case types.QualityGood:
		assessment = "Great browsing - fast page loads"
	case types.QualityFair:
		assessment = "Adequate browsing - some delays"
	case types.QualityPoor:
		assessment = "Slow browsing experience"
	case types.QualityVeryPoor:
		assessment = "Very slow - frustrating to use"
	}

	return n.score(score, grade, assessment,
		fmt.Sprintf("Browsing quality combines speed (%.1f Mbps) and responsiveness (%.0fms latency).", result.DownloadMbps, loaded.Idle.AverageMs))
}

func (n *notes) score(score float64, grade types.QualityGrade, assessment, explanation string) types.UseCaseScore {
	caps := n.capabilities
	if caps == nil {
		caps = []string{}
	}
	recs := n.recommendations
	if recs == nil {
		recs = []string{}
	}
	return types.UseCaseScore{
		Score:           score,
		Grade:           grade,
		Assessment:      assessment,
		Explanation:     explanation,
		Capabilities:    caps,
		Issues:          n.issues,
		Recommendations: recs,
	}
}
