package types

import "fmt"

// QualityGrade is the five-level verdict derived from a 0-100 score.
type QualityGrade uint8

const (
	QualityExcellent QualityGrade = iota
	QualityGood
	QualityFair
	QualityPoor
	QualityVeryPoor
)

// GradeFromScore applies the fixed 90/75/60/40 thresholds.
func GradeFromScore(score float64) QualityGrade {
	switch {
	case score >= 90:
		return QualityExcellent
	case score >= 75:
		return QualityGood
	case score >= 60:
		return QualityFair
	case score >= 40:
		return QualityPoor
	default:
		return QualityVeryPoor
	}
}

func (g QualityGrade) String() string {
	switch g {
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityFair:
		return "Fair"
	case QualityPoor:
		return "Poor"
	case QualityVeryPoor:
		return "Very Poor"
	default:
		return fmt.Sprintf("quality(%d)", uint8(g))
	}
}

func (g QualityGrade) MarshalText() ([]byte, error) {
	if g > QualityVeryPoor {
		return nil, fmt.Errorf("unknown quality grade %d", uint8(g))
	}
	return []byte(g.String()), nil
}

func (g *QualityGrade) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Excellent":
		*g = QualityExcellent
	case "Good":
		*g = QualityGood
	case "Fair":
		*g = QualityFair
	case "Poor":
		*g = QualityPoor
	case "Very Poor", "VeryPoor":
		*g = QualityVeryPoor
	default:
		return fmt.Errorf("unknown quality grade %q", string(b))
	}
	return nil
}

// UseCaseScore is the verdict for one activity. Note slices keep
// evaluation order and are not deduplicated.
type UseCaseScore struct {
	Score           float64      `json:"score"`
	Grade           QualityGrade `json:"grade"`
	Assessment      string       `json:"assessment"`
	Explanation     string       `json:"explanation"`
	Capabilities    []string     `json:"capabilities"`
	Issues          []string     `json:"issues,omitempty"`
	Recommendations []string     `json:"recommendations"`
}

type AIMScores struct {
	Gaming            UseCaseScore `json:"gaming"`
	Streaming         UseCaseScore `json:"streaming"`
	VideoConferencing UseCaseScore `json:"video_conferencing"`
	GeneralBrowsing   UseCaseScore `json:"general_browsing"`
	OverallScore      float64      `json:"overall_score"`
	OverallGrade      QualityGrade `json:"overall_grade"`
}
