package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/rivet-ci/rivet/storage"
	_ "github.com/rivet-ci/rivet/storage/sqlite"
)

func testDriver(t *testing.T, init storage.InitFunc) storage.Driver {
	t.Helper()

	dsn := fmt.Sprintf("sqlite://%s", filepath.Join(t.TempDir(), "rivet.db"))

	driver, err := init(dsn, slog.Default())
	if err != nil {
		t.Fatalf("could not open driver: %v", err)
	}

	t.Cleanup(func() { _ = driver.Close() })

	return driver
}

func newPipeline(ctx context.Context, t *testing.T, driver storage.Driver, name string) *storage.Pipeline {
	t.Helper()

	pipeline, err := driver.CreatePipeline(ctx, name, "", "return { name = '"+name+"' }", nil, nil)
	if err != nil {
		t.Fatalf("could not create pipeline: %v", err)
	}

	return pipeline
}

func TestDrivers(t *testing.T) {
	t.Parallel()

	storage.Each(func(name string, init storage.InitFunc) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			t.Run("pipeline round trip", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				created, err := driver.CreatePipeline(ctx, "deploy", "ships builds",
					"return { name = 'deploy' }",
					[]string{"process", "container"},
					[]storage.Tag{{Key: "env", Value: "prod"}},
				)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(created.ID).NotTo(BeEmpty())

				fetched, err := driver.GetPipeline(ctx, created.ID)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(fetched.Name).To(Equal("deploy"))
				assert.Expect(fetched.Description).To(Equal("ships builds"))
				assert.Expect(fetched.Script).To(Equal("return { name = 'deploy' }"))
				assert.Expect(fetched.RequiredModules).To(Equal(storage.StringList{"process", "container"}))
				assert.Expect(fetched.Tags).To(Equal(storage.Tags{{Key: "env", Value: "prod"}}))
				assert.Expect(fetched.CreatedAt.IsZero()).To(BeFalse())

				_, err = driver.GetPipeline(ctx, "missing")
				assert.Expect(err).To(MatchError(storage.ErrNotFound))
			})

			t.Run("pipelines list newest first", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				newPipeline(ctx, t, driver, "first")
				newPipeline(ctx, t, driver, "second")
				newPipeline(ctx, t, driver, "third")

				pipelines, err := driver.ListPipelines(ctx)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(pipelines).To(HaveLen(3))
				assert.Expect(pipelines[0].Name).To(Equal("third"))
				assert.Expect(pipelines[1].Name).To(Equal("second"))
				assert.Expect(pipelines[2].Name).To(Equal("first"))
			})

			t.Run("deleting a pipeline cascades to jobs and logs", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				pipeline := newPipeline(ctx, t, driver, "doomed")
				other := newPipeline(ctx, t, driver, "survivor")

				job, err := driver.CreateJob(ctx, pipeline.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				kept, err := driver.CreateJob(ctx, other.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				err = driver.AppendLogs(ctx, job.ID, []storage.LogEntry{
					{Timestamp: time.Now(), Level: storage.LogInfo, Message: "about to vanish"},
				})
				assert.Expect(err).NotTo(HaveOccurred())

				err = driver.DeletePipeline(ctx, pipeline.ID)
				assert.Expect(err).NotTo(HaveOccurred())

				_, err = driver.GetPipeline(ctx, pipeline.ID)
				assert.Expect(err).To(MatchError(storage.ErrNotFound))

				_, err = driver.GetJob(ctx, job.ID)
				assert.Expect(err).To(MatchError(storage.ErrNotFound))

				entries, err := driver.GetLogs(ctx, job.ID)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(entries).To(BeEmpty())

				_, err = driver.GetJob(ctx, kept.ID)
				assert.Expect(err).NotTo(HaveOccurred())

				err = driver.DeletePipeline(ctx, pipeline.ID)
				assert.Expect(err).To(MatchError(storage.ErrNotFound))
			})

			t.Run("job lifecycle happy path", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				pipeline := newPipeline(ctx, t, driver, "lifecycle")

				job, err := driver.CreateJob(ctx, pipeline.ID, storage.Parameters{"environment": "staging"})
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(job.Status).To(Equal(storage.JobQueued))
				assert.Expect(job.StartedAt).To(BeNil())

				fetched, err := driver.GetJob(ctx, job.ID)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(fetched.Parameters).To(Equal(storage.Parameters{"environment": "staging"}))

				leased, err := driver.LeaseJob(ctx, job.ID, "runner-1")
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(leased.Status).To(Equal(storage.JobRunning))
				assert.Expect(leased.RunnerID).To(Equal("runner-1"))
				assert.Expect(leased.StartedAt).NotTo(BeNil())

				completed, err := driver.CompleteJob(ctx, job.ID, storage.JobSucceeded, &storage.JobResult{
					Success: true,
					Output:  "Pipeline completed successfully",
				})
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(completed.Status).To(Equal(storage.JobSucceeded))
				assert.Expect(completed.CompletedAt).NotTo(BeNil())
				assert.Expect(completed.Result).NotTo(BeNil())
				assert.Expect(completed.Result.Success).To(BeTrue())
				assert.Expect(completed.Result.Output).To(Equal("Pipeline completed successfully"))
			})

			t.Run("lease is exclusive", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				pipeline := newPipeline(ctx, t, driver, "contended")

				job, err := driver.CreateJob(ctx, pipeline.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				var (
					wins  atomic.Int32
					group sync.WaitGroup
				)

				for i := 0; i < 12; i++ {
					group.Add(1)

					go func(n int) {
						defer group.Done()

						_, err := driver.LeaseJob(ctx, job.ID, fmt.Sprintf("runner-%d", n))
						if err == nil {
							wins.Add(1)
						}
					}(i)
				}

				group.Wait()

				assert.Expect(wins.Load()).To(Equal(int32(1)))

				leased, err := driver.GetJob(ctx, job.ID)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(leased.Status).To(Equal(storage.JobRunning))
			})

			t.Run("state machine refusals", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				pipeline := newPipeline(ctx, t, driver, "strict")

				job, err := driver.CreateJob(ctx, pipeline.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				// Queued jobs cannot complete; they have never run.
				_, err = driver.CompleteJob(ctx, job.ID, storage.JobSucceeded, nil)
				assert.Expect(err).To(MatchError(storage.ErrInvalidStateTransition))

				// Completing requires a terminal status.
				_, err = driver.CompleteJob(ctx, job.ID, storage.JobRunning, nil)
				assert.Expect(err).To(MatchError(storage.ErrInvalidStateTransition))

				_, err = driver.LeaseJob(ctx, job.ID, "runner-1")
				assert.Expect(err).NotTo(HaveOccurred())

				// A running job cannot be leased again.
				_, err = driver.LeaseJob(ctx, job.ID, "runner-2")
				assert.Expect(err).To(MatchError(storage.ErrInvalidStateTransition))

				_, err = driver.CompleteJob(ctx, job.ID, storage.JobFailed, &storage.JobResult{ExitCode: 1})
				assert.Expect(err).NotTo(HaveOccurred())

				// Terminal is terminal.
				_, err = driver.CompleteJob(ctx, job.ID, storage.JobSucceeded, nil)
				assert.Expect(err).To(MatchError(storage.ErrInvalidStateTransition))

				_, err = driver.CancelJob(ctx, job.ID)
				assert.Expect(err).To(MatchError(storage.ErrInvalidStateTransition))

				_, err = driver.LeaseJob(ctx, "missing", "runner-1")
				assert.Expect(err).To(MatchError(storage.ErrNotFound))
			})

			t.Run("cancel from queued and from running", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				pipeline := newPipeline(ctx, t, driver, "cancellable")

				queued, err := driver.CreateJob(ctx, pipeline.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				cancelled, err := driver.CancelJob(ctx, queued.ID)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(cancelled.Status).To(Equal(storage.JobCancelled))
				assert.Expect(cancelled.CompletedAt).NotTo(BeNil())
				assert.Expect(cancelled.Result).To(BeNil())

				running, err := driver.CreateJob(ctx, pipeline.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				_, err = driver.LeaseJob(ctx, running.ID, "runner-1")
				assert.Expect(err).NotTo(HaveOccurred())

				cancelled, err = driver.CancelJob(ctx, running.ID)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(cancelled.Status).To(Equal(storage.JobCancelled))
			})

			t.Run("job listings and queue order", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				first := newPipeline(ctx, t, driver, "first")
				second := newPipeline(ctx, t, driver, "second")

				oldest, err := driver.CreateJob(ctx, first.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				middle, err := driver.CreateJob(ctx, first.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				newest, err := driver.CreateJob(ctx, second.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				all, err := driver.ListJobs(ctx)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(all).To(HaveLen(3))
				assert.Expect(all[0].ID).To(Equal(newest.ID))
				assert.Expect(all[1].ID).To(Equal(middle.ID))
				assert.Expect(all[2].ID).To(Equal(oldest.ID))

				queued, err := driver.ListQueuedJobs(ctx)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(queued).To(HaveLen(3))
				assert.Expect(queued[0].ID).To(Equal(oldest.ID))
				assert.Expect(queued[2].ID).To(Equal(newest.ID))

				_, err = driver.LeaseJob(ctx, oldest.ID, "runner-1")
				assert.Expect(err).NotTo(HaveOccurred())

				queued, err = driver.ListQueuedJobs(ctx)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(queued).To(HaveLen(2))
				assert.Expect(queued[0].ID).To(Equal(middle.ID))

				scoped, err := driver.ListJobsByPipeline(ctx, first.ID)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(scoped).To(HaveLen(2))
				assert.Expect(scoped[0].ID).To(Equal(middle.ID))
				assert.Expect(scoped[1].ID).To(Equal(oldest.ID))
			})

			t.Run("logs keep timestamp order, insertion order on ties", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				pipeline := newPipeline(ctx, t, driver, "logged")

				job, err := driver.CreateJob(ctx, pipeline.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				base := time.Now().UTC().Truncate(time.Millisecond)

				err = driver.AppendLogs(ctx, job.ID, []storage.LogEntry{
					{Timestamp: base, Level: storage.LogInfo, Message: "one"},
					{Timestamp: base, Level: storage.LogError, Message: "two"},
				})
				assert.Expect(err).NotTo(HaveOccurred())

				// A later batch with an earlier timestamp sorts first.
				err = driver.AppendLogs(ctx, job.ID, []storage.LogEntry{
					{Timestamp: base.Add(-time.Second), Level: storage.LogDebug, Message: "zero"},
				})
				assert.Expect(err).NotTo(HaveOccurred())

				err = driver.AppendLogs(ctx, job.ID, nil)
				assert.Expect(err).NotTo(HaveOccurred())

				entries, err := driver.GetLogs(ctx, job.ID)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(entries).To(HaveLen(3))
				assert.Expect(entries[0].Message).To(Equal("zero"))
				assert.Expect(entries[0].Level).To(Equal(storage.LogDebug))
				assert.Expect(entries[1].Message).To(Equal("one"))
				assert.Expect(entries[1].Timestamp.Equal(base)).To(BeTrue())
				assert.Expect(entries[2].Message).To(Equal("two"))
			})

			t.Run("runner registration is an upsert", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				first, err := driver.RegisterRunner(ctx, "runner-1", []string{"log", "process"})
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(first.Status).To(Equal(storage.RunnerOnline))
				assert.Expect(first.Capabilities).To(Equal(storage.StringList{"log", "process"}))

				second, err := driver.RegisterRunner(ctx, "runner-1", []string{"log", "process", "os=linux"})
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(second.Capabilities).To(Equal(storage.StringList{"log", "process", "os=linux"}))
				assert.Expect(second.RegisteredAt.Equal(first.RegisteredAt)).To(BeTrue())
				assert.Expect(second.LastHeartbeatAt).To(BeTemporally(">=", first.LastHeartbeatAt))

				runners, err := driver.ListRunners(ctx)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(runners).To(HaveLen(1))

				err = driver.DeleteRunner(ctx, "runner-1")
				assert.Expect(err).NotTo(HaveOccurred())

				err = driver.DeleteRunner(ctx, "runner-1")
				assert.Expect(err).To(MatchError(storage.ErrNotFound))

				_, err = driver.GetRunner(ctx, "runner-1")
				assert.Expect(err).To(MatchError(storage.ErrNotFound))

				err = driver.HeartbeatRunner(ctx, "runner-1")
				assert.Expect(err).To(MatchError(storage.ErrNotFound))
			})

			t.Run("stale runners are swept offline until they heartbeat", func(t *testing.T) {
				t.Parallel()

				assert := NewGomegaWithT(t)
				driver := testDriver(t, init)
				ctx := context.Background()

				_, err := driver.RegisterRunner(ctx, "runner-1", nil)
				assert.Expect(err).NotTo(HaveOccurred())

				count, err := driver.MarkStaleRunnersOffline(ctx, time.Hour)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(count).To(BeZero())

				// A negative age puts the cutoff in the future, so every
				// runner is stale.
				count, err = driver.MarkStaleRunnersOffline(ctx, -time.Second)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(count).To(Equal(int64(1)))

				offline, err := driver.GetRunner(ctx, "runner-1")
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(offline.Status).To(Equal(storage.RunnerOffline))

				// Already-offline runners are not counted again.
				count, err = driver.MarkStaleRunnersOffline(ctx, -time.Second)
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(count).To(BeZero())

				err = driver.HeartbeatRunner(ctx, "runner-1")
				assert.Expect(err).NotTo(HaveOccurred())

				revived, err := driver.GetRunner(ctx, "runner-1")
				assert.Expect(err).NotTo(HaveOccurred())
				assert.Expect(revived.Status).To(Equal(storage.RunnerOnline))
			})
		})
	})
}

func TestGetFromDSN(t *testing.T) {
	t.Parallel()

	assert := NewGomegaWithT(t)

	init, found := storage.GetFromDSN("sqlite://rivet.db")
	assert.Expect(found).To(BeTrue())
	assert.Expect(init).NotTo(BeNil())

	_, found = storage.GetFromDSN("bogus://rivet.db")
	assert.Expect(found).To(BeFalse())
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	assert := NewGomegaWithT(t)

	assert.Expect(storage.JobQueued.Terminal()).To(BeFalse())
	assert.Expect(storage.JobRunning.Terminal()).To(BeFalse())
	assert.Expect(storage.JobSucceeded.Terminal()).To(BeTrue())
	assert.Expect(storage.JobFailed.Terminal()).To(BeTrue())
	assert.Expect(storage.JobCancelled.Terminal()).To(BeTrue())
	assert.Expect(storage.JobTimedOut.Terminal()).To(BeTrue())
}
