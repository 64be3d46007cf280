package menuresults

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/banquet/internal/notify"
)

type fakeUpdater struct {
	mu      sync.Mutex
	calls   [][]PriceUpdate
	result  UpdateResult
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeUpdater) UpdatePrices(ctx context.Context, updates []PriceUpdate) (UpdateResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, updates)
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return f.result, f.err
}

func (f *fakeUpdater) Calls() [][]PriceUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// EditorSuite exercises the draft, save and cancel flow.
type EditorSuite struct {
	suite.Suite
	updater  *fakeUpdater
	notifier *notify.Recorder
	editor   *Editor
}

func TestEditorSuite(t *testing.T) {
	suite.Run(t, new(EditorSuite))
}

func (s *EditorSuite) SetupTest() {
	s.updater = &fakeUpdater{result: UpdateResult{Success: true, ItemsUpdated: 1, BookingsAffected: 1}}
	s.notifier = &notify.Recorder{}
	s.editor = NewEditor(Parser{}, s.updater, s.notifier)
	s.editor.SetValue(Value{
		BookingIDs:         "b1,b2",
		EventItemIDs:       "i1,i2,i3",
		ItemNameSearched:   "Coffee",
		SearchCriteriaUsed: "item=Coffee",
		ResultsSummary: "- **BK-1** (Lunch) on Jan 5, 2025: Coffee ($10.00) x50, Tea x20\n" +
			"- **BK-2** (Dinner): Coffee ($12.50) x10",
	})
}

func (s *EditorSuite) TestSetValue() {
	v := s.editor.View()
	s.Len(v.Items, 3)
	s.True(v.HasResults)
	s.Equal("Found 3 menu items across 2 bookings", v.TotalItemsText)
	s.Equal("Coffee", v.SearchedItemName)
	s.True(v.ShowSearchCriteria)
	s.False(v.HasChanges)
	s.Equal(s.editor.Items(), s.editor.Baseline())

	// Reloading drops drafts.
	s.Require().NoError(s.editor.ApplyDraft("i1", ptr(11.0)))
	res := s.editor.SetValue(Value{ResultsSummary: "- **BK-9** (Tea): Scone"})
	s.Len(res.Items, 1)
	s.False(s.editor.HasChanges())
	s.Equal("items", s.editor.View().SearchedItemName)
}

func (s *EditorSuite) TestApplyDraft_LatestWins() {
	s.Require().NoError(s.editor.ApplyDraft("i1", ptr(11.0)))
	s.Require().NoError(s.editor.ApplyDraft("i2", ptr(3.0)))
	s.Require().NoError(s.editor.ApplyDraft("i1", ptr(12.0)))

	s.Equal(2, s.editor.ChangesCount())
	s.Equal([]Draft{{RowID: "i1", UnitPrice: ptr(12.0)}, {RowID: "i2", UnitPrice: ptr(3.0)}}, s.editor.View().Drafts)

	// Drafts do not touch the working set until saved.
	s.Equal(ptr(10.0), s.editor.Items()[0].UnitPrice)
}

func (s *EditorSuite) TestApplyDraft_UnknownRow() {
	err := s.editor.ApplyDraft("nope", ptr(1.0))
	s.ErrorIs(err, ErrUnknownRow)
	s.False(s.editor.HasChanges())
}

func (s *EditorSuite) TestCancelAfterEditRestoresBaseline() {
	baseline := s.editor.Items()

	s.Require().NoError(s.editor.ApplyDraft("i1", ptr(99.0)))
	s.Require().NoError(s.editor.ApplyDraft("i2", nil))
	s.editor.Cancel()

	s.Equal(baseline, s.editor.Items())
	s.Equal(0, s.editor.ChangesCount())
	s.Empty(s.updater.Calls())

	last, ok := s.notifier.Last()
	s.Require().True(ok)
	s.Equal("Cancelled", last.Title)
	s.Equal("Price changes have been discarded.", last.Message)
	s.Equal(notify.VariantInfo, last.Variant)
}

func (s *EditorSuite) TestSave_Success() {
	s.updater.result = UpdateResult{Success: true, ItemsUpdated: 2, BookingsAffected: 2}
	s.Require().NoError(s.editor.ApplyDraft("i1", ptr(11.0)))
	s.Require().NoError(s.editor.ApplyDraft("i3", ptr(13.0)))

	res, err := s.editor.Save(context.Background())
	s.Require().NoError(err)
	s.Equal(2, res.ItemsUpdated)

	s.Equal([][]PriceUpdate{{{RowID: "i1", NewPrice: ptr(11.0)}, {RowID: "i3", NewPrice: ptr(13.0)}}}, s.updater.Calls())

	items := s.editor.Items()
	s.Equal(ptr(11.0), items[0].UnitPrice)
	s.Equal(ptr(11.0), items[0].OriginalPrice)
	s.Equal(ptr(13.0), items[2].UnitPrice)
	s.Nil(items[1].UnitPrice)
	s.Equal(items, s.editor.Baseline())
	s.False(s.editor.HasChanges())

	last, _ := s.notifier.Last()
	s.Equal("Updated 2 menu item(s) across 2 booking(s).", last.Message)
	s.Equal(notify.VariantSuccess, last.Variant)

	// Cancel after a save keeps the saved prices.
	s.editor.Cancel()
	s.Equal(ptr(11.0), s.editor.Items()[0].UnitPrice)
}

func (s *EditorSuite) TestSave_RepeatedIDUpdatesEveryRow() {
	s.editor.SetValue(Value{
		BookingIDs:     "b1,b1",
		EventItemIDs:   "i1,i1",
		ResultsSummary: "- **BK-1** (Lunch): Coffee ($10.00) x50, Coffee ($10.00) x50",
	})
	s.Require().Len(s.editor.Items(), 2)

	s.Require().NoError(s.editor.ApplyDraft("i1", ptr(11.0)))
	_, err := s.editor.Save(context.Background())
	s.Require().NoError(err)

	for _, set := range [][]MenuItem{s.editor.Items(), s.editor.Baseline()} {
		for _, it := range set {
			s.Equal(ptr(11.0), it.UnitPrice)
			s.Equal(ptr(11.0), it.OriginalPrice)
		}
	}
	s.False(s.editor.HasChanges())
}

func (s *EditorSuite) TestSave_NoDrafts() {
	res, err := s.editor.Save(context.Background())
	s.NoError(err)
	s.True(res.Success)
	s.Empty(s.updater.Calls())
	s.Empty(s.notifier.Notices())
}

func (s *EditorSuite) TestSave_Failure() {
	tests := []struct {
		name        string
		result      UpdateResult
		err         error
		wantMessage string
	}{
		{name: "backend message", result: UpdateResult{Message: "Row locked"}, wantMessage: "Row locked"},
		{name: "no message", result: UpdateResult{}, wantMessage: "Failed to update prices."},
		{name: "transport error", err: errors.New("connection reset"), wantMessage: "An error occurred while saving."},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.updater.result = tt.result
			s.updater.err = tt.err

			s.Require().NoError(s.editor.ApplyDraft("i1", ptr(11.0)))
			before := s.editor.Items()
			drafts := s.editor.View().Drafts

			_, err := s.editor.Save(context.Background())
			s.Error(err)

			s.Equal(before, s.editor.Items())
			s.Equal(before, s.editor.Baseline())
			s.Equal(drafts, s.editor.View().Drafts)

			last, ok := s.notifier.Last()
			s.Require().True(ok)
			s.Equal(tt.wantMessage, last.Message)
			s.Equal(notify.VariantError, last.Variant)
			s.Equal(notify.ModeSticky, last.Mode)
		})
	}
}

func (s *EditorSuite) TestSave_EditDuringSaveStaysPending() {
	s.updater.gate = make(chan struct{})
	s.updater.entered = make(chan struct{}, 1)
	s.Require().NoError(s.editor.ApplyDraft("i1", ptr(11.0)))

	done := make(chan error, 1)
	go func() {
		_, err := s.editor.Save(context.Background())
		done <- err
	}()
	<-s.updater.entered

	s.True(s.editor.View().Saving)
	_, err := s.editor.Save(context.Background())
	s.ErrorIs(err, ErrSaveInProgress)

	s.Require().NoError(s.editor.ApplyDraft("i1", ptr(15.0)))
	close(s.updater.gate)
	s.Require().NoError(<-done)

	s.Equal(ptr(11.0), s.editor.Items()[0].UnitPrice)
	s.Equal([]Draft{{RowID: "i1", UnitPrice: ptr(15.0)}}, s.editor.View().Drafts)
}
