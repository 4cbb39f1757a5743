package daq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/attys/internal/link"
	"github.com/srg/attys/internal/protocol"
	"github.com/srg/attys/internal/testutils"
)

type ConnectionTestSuite struct {
	daqSuite
}

func (suite *ConnectionTestSuite) connect() (*Connection, *testutils.FakeTransport) {
	e := suite.newEngine()
	c, err := e.Connect(context.Background(), suite.handle)
	suite.Require().NoError(err)
	return c, suite.transports[suite.handle.Address]
}

func (suite *ConnectionTestSuite) TestStartSendsHandshake() {
	// GOAL: Verify Start configures the device before switching to streaming
	//
	// TEST SCENARIO: connect → Start → writes are stop, register syncs in order, start
	c, fake := suite.connect()
	defer c.Quit()
	suite.Require().NoError(c.Start())
	suite.Equal(link.Streaming, c.State())

	writes := fake.WrittenStrings()
	suite.Require().NotEmpty(writes)
	suite.Equal("\r\n\r\n\r\nx=0\r", writes[0], "the device MUST be stopped first")
	suite.Contains(writes, "\n\rd=1\r")
	suite.Contains(writes, "\n\rr=1\r")
	suite.Contains(writes, "\n\rf=1\r")
	suite.Contains(writes, "\n\rt=3\r")
	suite.Equal("\r\nx=1\r", writes[len(writes)-1], "start MUST be the last command")

	suite.ErrorIs(c.Start(), ErrAlreadyStarted)
}

func (suite *ConnectionTestSuite) TestStartRetriesUnacknowledgedCommands() {
	// GOAL: Verify a lost acknowledgement is retried before Start gives up
	//
	// TEST SCENARIO: the first stop command goes unanswered → retried → Start succeeds
	fake := testutils.NewFakeTransport(readTimeout)
	dropped := false
	fake.OnWrite(func(p []byte) {
		if !dropped {
			dropped = true
			return
		}
		fake.Feed([]byte("OK\r\n"))
	})
	suite.transports[suite.handle.Address] = fake
	suite.cfg.CommandTimeout = 50 * time.Millisecond

	c, _ := suite.connect()
	defer c.Quit()
	suite.Require().NoError(c.Start())

	writes := fake.WrittenStrings()
	suite.Equal(writes[0], writes[1], "the unacknowledged command MUST be sent again")
}

func (suite *ConnectionTestSuite) TestStartFailsWithoutAcks() {
	suite.transports[suite.handle.Address] = testutils.NewFakeTransport(readTimeout)
	suite.cfg.CommandTimeout = 30 * time.Millisecond

	c, fake := suite.connect()
	defer c.Quit()
	err := c.Start()
	suite.ErrorIs(err, link.ErrTimeout)
	suite.ErrorContains(err, "command stop")
	suite.Len(fake.Writes(), 4, "stop MUST be tried 1+3 times")
	suite.Equal(link.Open, c.State(), "a failed handshake MUST leave the link open")
	suite.False(c.HasSampleAvailable())
}

func (suite *ConnectionTestSuite) TestQuitCancelsHandshake() {
	// GOAL: Verify Quit does not wait for an unanswered handshake to time out
	//
	// TEST SCENARIO: silent device, long command timeout → Start blocks → Quit returns promptly, Start fails closed
	fake := testutils.NewFakeTransport(readTimeout)
	suite.transports[suite.handle.Address] = fake
	suite.cfg.CommandTimeout = 5 * time.Second

	c, _ := suite.connect()
	started := make(chan error, 1)
	go func() { started <- c.Start() }()
	suite.waitFor(func() bool { return len(fake.Writes()) > 0 }, "the handshake MUST begin")
	suite.ErrorIs(c.Start(), ErrAlreadyStarted, "a second Start during the handshake MUST be rejected")

	begin := time.Now()
	suite.NoError(c.Quit())
	suite.Less(time.Since(begin), time.Second, "Quit MUST NOT wait for command timeouts")

	select {
	case err := <-started:
		suite.ErrorIs(err, link.ErrClosed)
	case <-time.After(time.Second):
		suite.FailNow("Start MUST return once Quit cancels the handshake")
	}
	suite.Equal(link.Closed, c.State())
	suite.Len(fake.Writes(), 1, "a cancelled handshake MUST NOT retry")
}

func (suite *ConnectionTestSuite) TestStartRequiresOpenLink() {
	c, _ := suite.connect()
	suite.Require().NoError(c.Quit())
	suite.ErrorIs(c.Start(), link.ErrClosed, "Quit MUST be terminal")
}

func (suite *ConnectionTestSuite) TestSamplesFlow() {
	// GOAL: Verify samples reach the buffer in order with availability tracking
	//
	// TEST SCENARIO: empty → 5 lines → 5 samples in order → empty again
	c, fake := suite.connect()
	defer c.Quit()
	suite.Require().NoError(c.Start())

	suite.False(c.HasSampleAvailable())
	_, err := c.GetSampleFromBuffer()
	suite.ErrorIs(err, ErrEmpty)

	suite.feedLines(fake, 0, 5)
	suite.waitFor(func() bool { return c.NumSamplesAvailable() == 5 }, "all samples MUST arrive")
	suite.True(c.HasSampleAvailable())

	for i := 0; i < 5; i++ {
		s, err := c.GetSampleFromBuffer()
		suite.Require().NoError(err)
		suite.Equal(uint64(i), s.Seq())
		suite.Equal(int32(0x800000+i), s.Raw(protocol.AttysADC1))
		suite.Len(s.Values(), protocol.AttysNumChannels)
	}
	suite.False(c.HasSampleAvailable())

	st := c.Stats()
	suite.Equal("streaming", st.State)
	suite.Equal(uint64(5), st.Decoder.Samples)
	suite.Equal(uint64(5), st.Receiver.SamplesPushed)
	suite.NotZero(st.Decoder.Acks, "acknowledgements MUST be skipped, not decoded")
	suite.Len(c.Channels(), protocol.AttysNumChannels)
	suite.Equal(250.0, c.SampleRate())
}

func (suite *ConnectionTestSuite) TestWaitForSample() {
	c, fake := suite.connect()
	defer c.Quit()
	suite.Require().NoError(c.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.WaitForSample(ctx)
	suite.ErrorIs(err, context.DeadlineExceeded)

	go suite.feedLines(fake, 0, 1)
	s, err := c.WaitForSample(context.Background())
	suite.NoError(err)
	suite.Equal(uint64(0), s.Seq())
}

func (suite *ConnectionTestSuite) TestResetBuffer() {
	c, fake := suite.connect()
	defer c.Quit()
	suite.Require().NoError(c.Start())

	suite.feedLines(fake, 0, 4)
	suite.waitFor(func() bool { return c.NumSamplesAvailable() == 4 }, "samples MUST arrive")
	c.ResetBuffer()
	suite.False(c.HasSampleAvailable())
}

func (suite *ConnectionTestSuite) TestLinkFailure() {
	// GOAL: Verify a disconnection surfaces as LinkError after buffered samples are read
	//
	// TEST SCENARIO: 3 samples → disconnect → 3 samples readable → empty error wraps LinkError
	c, fake := suite.connect()
	suite.Require().NoError(c.Start())

	suite.feedLines(fake, 0, 3)
	suite.waitFor(func() bool { return c.NumSamplesAvailable() == 3 }, "samples MUST arrive")
	fake.Disconnect(errors.New("out of range"))
	suite.waitFor(func() bool { return c.Err() != nil }, "the failure MUST be recorded")
	suite.Equal(link.Closed, c.State())

	for i := 0; i < 3; i++ {
		_, err := c.GetSampleFromBuffer()
		suite.NoError(err, "samples buffered before the failure MUST stay readable")
	}
	_, err := c.GetSampleFromBuffer()
	suite.ErrorIs(err, ErrEmpty)
	var le *LinkError
	suite.ErrorAs(err, &le)
	suite.ErrorContains(err, "out of range")

	_, err = c.WaitForSample(context.Background())
	suite.ErrorIs(err, ErrEmpty)
	suite.True(link.IsLinkError(err))

	suite.waitFor(func() bool { return len(c.engine.Connections()) == 0 }, "a failed link MUST release its handle")
	suite.NoError(c.Quit())

	fresh, err := c.engine.Connect(context.Background(), suite.handle)
	suite.Require().NoError(err, "a handle released by a link failure MUST be connectable again")
	suite.NoError(fresh.Quit())
}

func (suite *ConnectionTestSuite) TestQuit() {
	// GOAL: Verify Quit stops the device, closes the link and is idempotent
	//
	// TEST SCENARIO: stream → Quit → stop sent, Closed, samples kept → Quit again → no error
	c, fake := suite.connect()
	suite.Require().NoError(c.Start())
	suite.feedLines(fake, 0, 2)
	suite.waitFor(func() bool { return c.NumSamplesAvailable() == 2 }, "samples MUST arrive")

	suite.NoError(c.Quit())
	suite.Equal(link.Closed, c.State())
	suite.False(fake.IsOpen())
	writes := fake.WrittenStrings()
	suite.Equal("\r\n\r\n\r\nx=0\r", writes[len(writes)-1])
	suite.Equal(2, c.NumSamplesAvailable(), "Quit MUST keep buffered samples")

	suite.NoError(c.Quit())
	_, closes := fake.Counts()
	suite.Equal(1, closes, "a second Quit MUST NOT touch the transport")
}

func (suite *ConnectionTestSuite) TestQuitBeforeStart() {
	c, fake := suite.connect()
	suite.NoError(c.Quit())
	suite.Empty(fake.Writes(), "an idle link MUST NOT get a stop command")
	suite.Equal(link.Closed, c.State())
}

func (suite *ConnectionTestSuite) TestMessages() {
	c, _ := suite.connect()
	suite.Require().NoError(c.Start())
	suite.Require().NoError(c.Quit())

	var kinds []MessageKind
	for _, m := range c.Messages() {
		kinds = append(kinds, m.Kind)
		suite.Equal(suite.handle.Address, m.Address)
		suite.False(m.Time.IsZero())
	}
	suite.Equal([]MessageKind{
		MessageConnecting, MessageConnected, MessageConfigure, MessageStarted, MessageStopped,
	}, kinds)
	suite.Empty(c.Messages(), "Messages MUST drain the queue")
}

func (suite *ConnectionTestSuite) TestBinaryClass() {
	// GOAL: Verify the generic binary class streams frames end to end
	//
	// TEST SCENARIO: binary config with start/stop commands → frames → samples
	suite.cfg.Protocol.Class = "binary"
	suite.cfg.Protocol.StartCommand = `b\r`
	suite.cfg.Protocol.StopCommand = `s\r`
	c, fake := suite.connect()
	defer c.Quit()
	suite.Require().NoError(c.Start())
	suite.Equal([]string{"b\r"}, fake.WrittenStrings())

	enc, err := protocol.NewEncoder(protocol.DefaultLayout())
	suite.Require().NoError(err)
	for i := 0; i < 3; i++ {
		f, err := enc.Next(0, []int32{int32(i), 2, 3, 4})
		suite.Require().NoError(err)
		fake.Feed(f)
	}
	suite.waitFor(func() bool { return c.NumSamplesAvailable() == 3 }, "binary frames MUST decode")
	s, err := c.GetSampleFromBuffer()
	suite.NoError(err)
	suite.Equal(4, s.NumChannels())
}

func TestConnectionTestSuite(t *testing.T) {
	suite.Run(t, new(ConnectionTestSuite))
}
