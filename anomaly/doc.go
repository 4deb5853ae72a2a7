// Package anomaly scores per-entity activity timelines for change
// points. A two-stage ChangeFinder pipeline over sequentially
// discounting AR models turns a bucketed event-count series into
// per-bucket anomaly scores; entities rank by their peak score.
package anomaly
