package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/minichat/minichat/envelope"
)

const (
	messageCols = "id,sender,receiver,ciphertext,nonce,tag,status,create_time,update_time"

	insertMessageSQL = "INSERT INTO messages (" + messageCols + ") VALUES (?,?,?,?,?,?,?,?,?)"

	advanceDeliveredSQL = "UPDATE messages SET status='delivered', update_time=? WHERE id=? AND status='sent'"
	advanceReadSQL      = "UPDATE messages SET status='read', update_time=? WHERE id=? AND status IN ('sent','delivered')"

	markReadBulkSQL = "UPDATE messages SET status='read', update_time=? " +
		"WHERE sender=? AND receiver=? AND status<>'read'"

	pendingMessagesSQL = "SELECT " + messageCols + " FROM messages " +
		"WHERE receiver=? AND status='sent' ORDER BY id ASC"

	// Rows hidden by the viewer's soft-delete marker are excluded from
	// candidacy entirely.
	listMessagesSQL = "SELECT " + messageCols + " FROM messages AS m " +
		"WHERE ((m.sender=? AND m.receiver=?) OR (m.sender=? AND m.receiver=?)) " +
		"AND NOT EXISTS (SELECT 1 FROM deleted_chats AS d WHERE d.uid=? AND d.peer_uid=? AND m.create_time <= d.deleted_at) " +
		"%s ORDER BY m.id DESC LIMIT ?"

	lastPerPeerSQL = "SELECT IF(sender=?, receiver, sender) AS peer, MAX(id) " +
		"FROM messages WHERE sender=? OR receiver=? GROUP BY peer"

	unreadPerPeerSQL = "SELECT m.sender, COUNT(*) FROM messages AS m " +
		"LEFT JOIN deleted_chats AS d ON d.uid=? AND d.peer_uid=m.sender " +
		"WHERE m.receiver=? AND m.status<>'read' AND (d.deleted_at IS NULL OR m.create_time > d.deleted_at) " +
		"GROUP BY m.sender"

	getMarkersSQL = "SELECT peer_uid, deleted_at FROM deleted_chats WHERE uid=?"
	getMarkerSQL  = "SELECT deleted_at FROM deleted_chats WHERE uid=? AND peer_uid=?"

	upsertMarkerSQL = "INSERT INTO deleted_chats (uid, peer_uid, deleted_at) VALUES (?,?,?) " +
		"ON DUPLICATE KEY UPDATE deleted_at=VALUES(deleted_at)"

	purgeMessagesSQL = "DELETE FROM messages WHERE (sender=? AND receiver=?) OR (sender=? AND receiver=?)"
)

type rowScanner interface {
	Scan(...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var status string
	if err := row.Scan(&m.Id, &m.Sender, &m.Receiver, &m.Envelope.Ciphertext, &m.Envelope.Nonce,
		&m.Envelope.Tag, &status, &m.CreateTime, &m.UpdateTime); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	return &m, nil
}

func (s *convStore) AppendMessage(ctx context.Context, sender, receiver int32, env *envelope.Envelope) (*Message, error) {
	if sender == receiver {
		return nil, ErrSelfMessage
	}

	now := Now()
	msg := &Message{
		Id:         NewID(now),
		Sender:     sender,
		Receiver:   receiver,
		Envelope:   *env,
		Status:     StatusSent,
		CreateTime: now,
		UpdateTime: now,
	}

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		peer, err := scanUser(tx.QueryRowContext(ctx, getUserSQL, receiver))
		if err != nil {
			return err
		}
		if peer.Deleted {
			return ErrUserDeleted
		}

		_, err = tx.ExecContext(ctx, insertMessageSQL, msg.Id, msg.Sender, msg.Receiver,
			msg.Envelope.Ciphertext, msg.Envelope.Nonce, msg.Envelope.Tag,
			string(msg.Status), msg.CreateTime, msg.UpdateTime)
		if err != nil && s.IsDupKeyError(err) {
			// Id collision within the same millisecond. Regenerate and
			// retry once.
			msg.Id = NewID(now)
			_, err = tx.ExecContext(ctx, insertMessageSQL, msg.Id, msg.Sender, msg.Receiver,
				msg.Envelope.Ciphertext, msg.Envelope.Nonce, msg.Envelope.Tag,
				string(msg.Status), msg.CreateTime, msg.UpdateTime)
		}
		return err
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *convStore) AdvanceStatus(ctx context.Context, id string, to Status) (bool, error) {
	var stmt string
	switch to {
	case StatusDelivered:
		stmt = advanceDeliveredSQL
	case StatusRead:
		stmt = advanceReadSQL
	default:
		return false, nil
	}

	res, err := s.ExecContext(ctx, stmt, Now(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *convStore) MarkReadBulk(ctx context.Context, sender, receiver int32) (int32, error) {
	res, err := s.ExecContext(ctx, markReadBulkSQL, Now(), sender, receiver)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int32(n), err
}

func (s *convStore) PendingMessages(ctx context.Context, receiver int32) ([]*Message, error) {
	rows, err := s.QueryContext(ctx, pendingMessagesSQL, receiver)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *convStore) ListMessages(ctx context.Context, uid, peer int32, cursor string, limit int) ([]*Message, error) {
	var stmt string
	args := []interface{}{uid, peer, peer, uid, uid, peer}
	if cursor == "" {
		stmt = fmt.Sprintf(listMessagesSQL, "")
	} else {
		stmt = fmt.Sprintf(listMessagesSQL, "AND m.id < ? ")
		args = append(args, cursor)
	}
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *convStore) DirectConversations(ctx context.Context, uid int32) ([]*DirectConversation, error) {
	var out []*DirectConversation

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		markers := make(map[int32]*DeletedChat)
		rows, err := tx.QueryContext(ctx, getMarkersSQL, uid)
		if err != nil {
			return err
		}
		for rows.Next() {
			m := &DeletedChat{Uid: uid}
			if err := rows.Scan(&m.PeerUid, &m.DeletedAt); err != nil {
				rows.Close()
				return err
			}
			markers[m.PeerUid] = m
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		lastIds := make(map[int32]string)
		rows, err = tx.QueryContext(ctx, lastPerPeerSQL, uid, uid, uid)
		if err != nil {
			return err
		}
		for rows.Next() {
			var peer int32
			var id string
			if err := rows.Scan(&peer, &id); err != nil {
				rows.Close()
				return err
			}
			lastIds[peer] = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(lastIds) == 0 {
			return nil
		}

		unread := make(map[int32]int32)
		rows, err = tx.QueryContext(ctx, unreadPerPeerSQL, uid, uid)
		if err != nil {
			return err
		}
		for rows.Next() {
			var peer, n int32
			if err := rows.Scan(&peer, &n); err != nil {
				rows.Close()
				return err
			}
			unread[peer] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		args := make([]interface{}, 0, len(lastIds))
		marks := make([]string, 0, len(lastIds))
		peerById := make(map[string]int32, len(lastIds))
		for peer, id := range lastIds {
			args = append(args, id)
			marks = append(marks, "?")
			peerById[id] = peer
		}

		stmt := "SELECT " + messageCols + " FROM messages WHERE id IN (" + strings.Join(marks, ",") + ")"
		rows, err = tx.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			peer := peerById[m.Id]
			// A conversation whose newest message predates the marker
			// stays hidden until a new message arrives.
			if marker := markers[peer]; marker != nil && !m.CreateTime.After(marker.DeletedAt) {
				continue
			}
			out = append(out, &DirectConversation{Peer: peer, Last: m, Unread: unread[peer]})
		}
		return rows.Err()
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *convStore) SoftDeleteConversation(ctx context.Context, uid, peer int32) error {
	_, err := s.ExecContext(ctx, upsertMarkerSQL, uid, peer, Now())
	return err
}

func (s *convStore) DeletedMarker(ctx context.Context, uid, peer int32) (*DeletedChat, error) {
	m := &DeletedChat{Uid: uid, PeerUid: peer}
	if err := s.QueryRowContext(ctx, getMarkerSQL, uid, peer).Scan(&m.DeletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *convStore) PurgeConversation(ctx context.Context, a, b int32) (int64, error) {
	res, err := s.ExecContext(ctx, purgeMessagesSQL, a, b, b, a)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
