package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AggregateLogName is the file every partition log is also appended to;
// `cumulus logs poll` follows it.
const AggregateLogName = "functions.log"

// JobLogs collects partition log objects into local files: one per job
// plus the aggregate. Entries land in arrival order.
type JobLogs struct {
	mu      sync.Mutex
	dir     string
	console io.Writer
	subs    []chan struct{}
}

// NewJobLogs creates dir if needed. console, when non-nil, also receives
// every appended entry.
func NewJobLogs(dir string, console io.Writer) (*JobLogs, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	return &JobLogs{dir: dir, console: console}, nil
}

// JobKey names a job's log: <executor id>-<job id>.
func JobKey(executorID, jobID string) string {
	return executorID + "-" + jobID
}

// Path is the local file for a job key.
func (l *JobLogs) Path(jobKey string) string {
	return filepath.Join(l.dir, jobKey+".log")
}

// Append writes one partition's log text to the job file and the aggregate.
func (l *JobLogs) Append(jobKey string, index int, text string) error {
	if text == "" {
		return nil
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	entry := fmt.Sprintf("--- %s partition %05d %s ---\n%s", jobKey, index, time.Now().Format(time.RFC3339), text)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range []string{l.Path(jobKey), filepath.Join(l.dir, AggregateLogName)} {
		if err := appendFile(p, entry); err != nil {
			return err
		}
	}
	if l.console != nil {
		fmt.Fprint(l.console, entry)
	}
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("write log file: %w", err)
	}
	return f.Close()
}

// Get returns the collected log of a job.
func (l *JobLogs) Get(jobKey string) (string, error) {
	data, err := os.ReadFile(l.Path(jobKey))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no logs for job %s", jobKey)
		}
		return "", err
	}
	return string(data), nil
}

// subscribe returns a channel signalled after every Append in this process.
func (l *JobLogs) subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.subs = append(l.subs, ch)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
	}()
	return ch
}

// Follow copies the aggregate log to w as it grows until ctx is done.
// In-process appends wake it immediately; appends from other processes are
// picked up every interval.
func (l *JobLogs) Follow(ctx context.Context, w io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	path := filepath.Join(l.dir, AggregateLogName)
	wake := l.subscribe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}
	for {
		n, err := copyFrom(path, offset, w)
		if err != nil {
			return err
		}
		offset += n

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

func copyFrom(path string, offset int64, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() <= offset {
		return 0, nil
	}
	return io.Copy(w, io.NewSectionReader(f, offset, info.Size()-offset))
}
