package scoring

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"checkline/internal/domain"
)

const DefaultPassThreshold = 80

// Result is the scorer's opinion of one instruction. Callers treat it as opaque.
type Result struct {
	Score    int    `json:"score"`
	Analysis string `json:"analysis"`
	IsPass   bool   `json:"is_pass"`
}

type Scorer interface {
	Score(ctx context.Context, j domain.JobInstruction) (Result, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, j domain.JobInstruction) (Result, error)

func (f ScorerFunc) Score(ctx context.Context, j domain.JobInstruction) (Result, error) {
	return f(ctx, j)
}

var (
	failReasons = []string{
		"Room floor cleanliness below the reference image",
		"Amenity placement angle off the guideline by 15 degrees",
		"Bedding below the wrinkle-free standard",
		"Dust visible on the table surface",
		"Bathroom mirror not dried",
	}
	passComments = []string{
		"All checkpoints match the reference images at 95% or more",
		"Placement and cleanliness in good order",
		"Standard guideline compliance confirmed",
		"Analysis result: excellent",
	}
)

// Random is the reference stand-in scorer. Rows already judged non-compliant
// or failed score in the fail band; everything else lands in the pass band,
// higher for VIP subjects.
type Random struct {
	Threshold int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom seeds the scorer; a zero seed uses the current time.
func NewRandom(seed int64, threshold int) *Random {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if threshold <= 0 {
		threshold = DefaultPassThreshold
	}
	return &Random{Threshold: threshold, rng: rand.New(rand.NewSource(seed))}
}

func (r *Random) Score(_ context.Context, j domain.JobInstruction) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shouldFail := j.Status == domain.StatusNonCompliant ||
		(j.VerificationResult != nil && *j.VerificationResult == domain.VerdictFail)

	var res Result
	switch {
	case shouldFail:
		res.Score = 40 + r.rng.Intn(40)
		res.Analysis = failReasons[r.rng.Intn(len(failReasons))]
	case strings.Contains(strings.ToUpper(j.Subject), "VIP"):
		res.Score = 90 + r.rng.Intn(10)
		res.Analysis = passComments[r.rng.Intn(len(passComments))]
	default:
		res.Score = 80 + r.rng.Intn(20)
		res.Analysis = passComments[r.rng.Intn(len(passComments))]
	}
	res.IsPass = res.Score >= r.Threshold
	return res, nil
}
