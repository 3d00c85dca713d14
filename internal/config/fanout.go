package config

import "sync"

// fanout hands every committed config to its subscribers. Only the newest
// config matters, so a full channel has its stale entry replaced.
type fanout struct {
	mu   sync.Mutex // held across sends so remove never closes mid-send
	subs map[chan *Config]struct{}
}

func (f *fanout) add(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[chan *Config]struct{})
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *fanout) remove(ch chan *Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ch]; !ok {
		return
	}
	delete(f.subs, ch)
	close(ch)
}

// send returns how many subscribers had a stale config replaced.
func (f *fanout) send(cfg *Config) (replaced int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
					replaced++
				default:
				}
				continue
			}
			break
		}
	}
	return replaced
}
