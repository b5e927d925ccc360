package mirror

import (
	"path"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"
)

// scheduler runs downloads on a bounded pool and tracks the keys (remote ids
// and folded paths) they hold, so conflicting work can wait for them.
type scheduler struct {
	limit int
	group *errgroup.Group
	busy  mapset.Set[string]
}

func newScheduler(limit int) *scheduler {
	s := &scheduler{limit: limit, busy: mapset.NewSet[string]()}
	s.renew()
	return s
}

func (s *scheduler) renew() {
	s.group = new(errgroup.Group)
	s.group.SetLimit(s.limit)
}

// drain blocks until every in-flight job is done.
func (s *scheduler) drain() {
	_ = s.group.Wait()
	s.renew()
}

func (s *scheduler) holds(keys ...string) bool {
	for _, k := range keys {
		if s.busy.Contains(k) {
			return true
		}
	}
	return false
}

// submit starts fn once a worker is free. keys are held until fn returns.
func (s *scheduler) submit(keys []string, fn func()) {
	for _, k := range keys {
		s.busy.Add(k)
	}
	s.group.Go(func() error {
		defer func() {
			for _, k := range keys {
				s.busy.Remove(k)
			}
		}()
		fn()
		return nil
	})
}

// pathKeys returns the folded keys of p and every ancestor of p.
func pathKeys(p string) []string {
	p = path.Clean("/" + strings.Trim(p, "/"))
	var keys []string
	for p != "/" {
		keys = append(keys, foldKey(p))
		p = path.Dir(p)
	}
	return keys
}
