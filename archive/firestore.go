package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	archiveCollection  = "archives"
	messagesCollection = "messages"
	cursorField        = "cursor"
	// a transaction holds at most 500 writes; one is the cursor
	maxBatch           = 499
)

// FirestoreSink keeps one document per stream, holding the cursor, with the
// records in its messages subcollection.
type FirestoreSink struct {
	client *firestore.Client
}

func NewFirestoreSink(ctx context.Context, projectID string) (*FirestoreSink, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &FirestoreSink{client: client}, nil
}

func (s *FirestoreSink) Name() string { return "firestore" }

func (s *FirestoreSink) doc(stream string) *firestore.DocumentRef {
	return s.client.Collection(archiveCollection).Doc(DocID(stream))
}

func (s *FirestoreSink) Cursor(ctx context.Context, stream string) (string, error) {
	snap, err := s.doc(stream).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	cursor, _ := snap.Data()[cursorField].(string)
	return cursor, nil
}

// Save writes records in chunks. Each chunk moves the cursor in the same
// transaction, so a failed chunk is retried from where it stopped.
func (s *FirestoreSink) Save(ctx context.Context, stream string, records []Record) error {
	doc := s.doc(stream)
	for start := 0; start < len(records); start += maxBatch {
		chunk := records[start:min(start+maxBatch, len(records))]
		err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			for _, r := range chunk {
				if err := tx.Set(doc.Collection(messagesCollection).Doc(r.Key), r); err != nil {
					return err
				}
			}
			return tx.Set(doc, map[string]any{
				"stream":    stream,
				cursorField: chunk[len(chunk)-1].Key,
			}, firestore.MergeAll)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *FirestoreSink) Close() error {
	return s.client.Close()
}
