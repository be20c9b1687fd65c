package jobs

import "context"

// Summary は状態ごとのジョブ件数です。
type Summary struct {
	Total    int            `json:"total_jobs"`
	ByStatus map[Status]int `json:"by_status"`
}

// Summarize はストアのジョブ件数を状態ごとに数えます。
func Summarize(ctx context.Context, store Store) (Summary, error) {
	sum := Summary{ByStatus: make(map[Status]int, len(AllStatuses))}
	for _, status := range AllStatuses {
		n, err := store.Count(ctx, Filter{Statuses: []Status{status}})
		if err != nil {
			return Summary{}, err
		}
		sum.ByStatus[status] = n
		sum.Total += n
	}
	return sum, nil
}
