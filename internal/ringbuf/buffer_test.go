package ringbuf

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/attys/internal/sample"
)

type BufferTestSuite struct {
	suite.Suite
}

func mk(seq uint64) sample.Sample {
	return sample.New(seq, 0, 0, []int32{int32(seq)}, nil)
}

func (suite *BufferTestSuite) newBuffer(capacity int, policy Policy) *Buffer {
	b, err := New(capacity, policy)
	suite.Require().NoError(err)
	return b
}

func (suite *BufferTestSuite) pushAll(b *Buffer, from, to uint64) {
	for i := from; i < to; i++ {
		suite.Require().NoError(b.Push(context.Background(), mk(i)))
	}
}

func (suite *BufferTestSuite) popSeqs(b *Buffer) []uint64 {
	var seqs []uint64
	for {
		s, err := b.Pop()
		if err != nil {
			suite.ErrorIs(err, ErrEmpty)
			return seqs
		}
		seqs = append(seqs, s.Seq())
	}
}

func (suite *BufferTestSuite) TestNew() {
	// GOAL: Verify constructor validates capacity and policy
	//
	// TEST SCENARIO: invalid capacity / policy → error; valid → exact capacity
	_, err := New(0, DropOldest)
	suite.Error(err)

	_, err = New(4, Policy(42))
	suite.Error(err)

	b := suite.newBuffer(5, Reject)
	suite.Equal(5, b.Cap(), "capacity MUST be exact, not rounded")
	suite.Equal(Reject, b.Policy())
}

func (suite *BufferTestSuite) TestHasAvailableLifecycle() {
	// GOAL: Verify HasAvailable tracks pushes and pops without blocking
	//
	// TEST SCENARIO: empty → false; push one → true; pop → false
	b := suite.newBuffer(4, DropOldest)

	suite.False(b.HasAvailable())
	_, err := b.Pop()
	suite.ErrorIs(err, ErrEmpty)

	suite.Require().NoError(b.Push(context.Background(), mk(1)))
	suite.True(b.HasAvailable())

	s, err := b.Pop()
	suite.NoError(err)
	suite.Equal(uint64(1), s.Seq())
	suite.False(b.HasAvailable())
}

func (suite *BufferTestSuite) TestFIFOWrapAround() {
	// GOAL: Verify ordering survives cursor wrap-around
	//
	// TEST SCENARIO: interleave pushes and pops across several laps → popped sequence is contiguous
	b := suite.newBuffer(3, Reject)
	var got []uint64
	seq := uint64(0)
	for lap := 0; lap < 5; lap++ {
		suite.pushAll(b, seq, seq+2)
		seq += 2
		got = append(got, suite.popSeqs(b)...)
	}
	suite.Len(got, 10)
	for i, s := range got {
		suite.Equal(uint64(i), s)
	}
}

func (suite *BufferTestSuite) TestRejectPolicy() {
	// GOAL: Verify reject fails the push and leaves contents untouched
	//
	// TEST SCENARIO: fill capacity N → push N+1 → ErrOverflow → contents are 0..N-1
	b := suite.newBuffer(3, Reject)
	suite.pushAll(b, 0, 3)

	err := b.Push(context.Background(), mk(3))
	suite.ErrorIs(err, ErrOverflow)
	suite.Equal(3, b.Len())
	suite.Equal(uint64(1), b.Stats().Overflows)
	suite.Equal([]uint64{0, 1, 2}, suite.popSeqs(b))
}

func (suite *BufferTestSuite) TestDropOldestPolicy() {
	// GOAL: Verify drop-oldest evicts the oldest and keeps order
	//
	// TEST SCENARIO: capacity 3, push 0..5 → pop yields 3,4,5 and overflow count 3
	b := suite.newBuffer(3, DropOldest)
	suite.pushAll(b, 0, 6)

	suite.Equal(uint64(3), b.Stats().Overflows)
	suite.Equal([]uint64{3, 4, 5}, suite.popSeqs(b))
}

func (suite *BufferTestSuite) TestBlockPolicy() {
	suite.Run("UnblocksOnPop", func() {
		// GOAL: Verify a blocked producer resumes once a consumer frees a slot
		//
		// TEST SCENARIO: fill → push in goroutine → pop → push completes → order preserved
		b := suite.newBuffer(2, Block)
		suite.pushAll(b, 0, 2)

		done := make(chan error, 1)
		go func() { done <- b.Push(context.Background(), mk(2)) }()

		select {
		case <-done:
			suite.Fail("push MUST block while buffer is full")
		case <-time.After(30 * time.Millisecond):
		}

		s, err := b.Pop()
		suite.NoError(err)
		suite.Equal(uint64(0), s.Seq())

		select {
		case err := <-done:
			suite.NoError(err)
		case <-time.After(time.Second):
			suite.Fail("push MUST resume after pop")
		}
		suite.Equal([]uint64{1, 2}, suite.popSeqs(b))
		suite.Equal(uint64(1), b.Stats().Blocked)
	})

	suite.Run("CancelledByContext", func() {
		// GOAL: Verify a blocked push honours cancellation
		//
		// TEST SCENARIO: fill → push with short deadline → DeadlineExceeded, contents unchanged
		b := suite.newBuffer(1, Block)
		suite.pushAll(b, 0, 1)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := b.Push(ctx, mk(1))
		suite.ErrorIs(err, context.DeadlineExceeded)
		suite.Equal([]uint64{0}, suite.popSeqs(b))
	})

	suite.Run("ReleasedByClose", func() {
		// GOAL: Verify Close releases a blocked producer
		//
		// TEST SCENARIO: fill → blocked push → Close → ErrClosed
		b := suite.newBuffer(1, Block)
		suite.pushAll(b, 0, 1)

		done := make(chan error, 1)
		go func() { done <- b.Push(context.Background(), mk(1)) }()
		time.Sleep(10 * time.Millisecond)
		b.Close()

		select {
		case err := <-done:
			suite.ErrorIs(err, ErrClosed)
		case <-time.After(time.Second):
			suite.Fail("close MUST release blocked push")
		}
	})
}

func (suite *BufferTestSuite) TestWait() {
	suite.Run("ReturnsPushedSample", func() {
		b := suite.newBuffer(2, DropOldest)
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = b.Push(context.Background(), mk(9))
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s, err := b.Wait(ctx)
		suite.NoError(err)
		suite.Equal(uint64(9), s.Seq())
	})

	suite.Run("Timeout", func() {
		b := suite.newBuffer(2, DropOldest)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := b.Wait(ctx)
		suite.ErrorIs(err, context.DeadlineExceeded)
	})

	suite.Run("DrainsBeforeClosed", func() {
		b := suite.newBuffer(2, DropOldest)
		suite.pushAll(b, 0, 1)
		b.Close()

		s, err := b.Wait(context.Background())
		suite.NoError(err, "buffered samples MUST stay readable after close")
		suite.Equal(uint64(0), s.Seq())

		_, err = b.Wait(context.Background())
		suite.ErrorIs(err, ErrClosed)
	})
}

func (suite *BufferTestSuite) TestResetCloseReopen() {
	b := suite.newBuffer(4, DropOldest)
	suite.pushAll(b, 0, 3)

	b.Reset()
	suite.False(b.HasAvailable())
	suite.Equal(uint64(3), b.Stats().Pushed, "reset MUST keep counters")

	b.Close()
	b.Close()
	suite.ErrorIs(b.Push(context.Background(), mk(1)), ErrClosed)

	b.Reopen()
	suite.NoError(b.Push(context.Background(), mk(5)))
	suite.Equal([]uint64{5}, suite.popSeqs(b))
}

func (suite *BufferTestSuite) TestDrain() {
	b := suite.newBuffer(8, DropOldest)
	suite.pushAll(b, 0, 5)

	first := b.Drain(2)
	suite.Len(first, 2)
	suite.Equal(uint64(1), first[1].Seq())

	rest := b.Drain(0)
	suite.Len(rest, 3)
	suite.Equal(uint64(4), rest[2].Seq())
}

func (suite *BufferTestSuite) TestConcurrentConsumersSeeSubsequence() {
	// GOAL: Verify popped samples are a subset of pushed ones with no duplicates,
	// and each consumer observes increasing sequence numbers
	//
	// TEST SCENARIO: one producer with drop-oldest, four consumers → per-consumer order strictly increasing
	b := suite.newBuffer(16, DropOldest)
	const total = 5000

	var wg sync.WaitGroup
	results := make([][]uint64, 4)
	stop := make(chan struct{})
	for c := range results {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for {
				s, err := b.Pop()
				if err == nil {
					results[c] = append(results[c], s.Seq())
					continue
				}
				select {
				case <-stop:
					for _, s := range b.Drain(0) {
						results[c] = append(results[c], s.Seq())
					}
					return
				default:
				}
			}
		}(c)
	}

	suite.pushAll(b, 0, total)
	close(stop)
	wg.Wait()

	seen := map[uint64]bool{}
	for _, r := range results {
		for i := 1; i < len(r); i++ {
			suite.Less(r[i-1], r[i], "each consumer MUST observe FIFO order")
		}
		for _, s := range r {
			suite.False(seen[s], "sample %d popped twice", s)
			seen[s] = true
		}
	}
	st := b.Stats()
	suite.Equal(uint64(len(seen)), st.Popped)
	suite.Equal(uint64(total), st.Popped+st.Overflows)
}

func TestBufferTestSuite(t *testing.T) {
	suite.Run(t, new(BufferTestSuite))
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "", want: DropOldest},
		{in: "drop-oldest", want: DropOldest},
		{in: "REJECT", want: Reject},
		{in: " block ", want: Block},
		{in: "spill", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	var p Policy
	require.NoError(t, p.UnmarshalText([]byte("block")))
	assert.Equal(t, Block, p)
	text, _ := Reject.MarshalText()
	assert.Equal(t, "reject", string(text))
	assert.Equal(t, "Policy(9)", Policy(9).String())
}
