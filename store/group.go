package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/minichat/minichat/envelope"
)

const (
	groupCols = "id,name,description,photo,admin,create_time,update_time"

	insertGroupSQL       = "INSERT INTO group_chats (name,description,photo,admin,create_time,update_time) VALUES (?,?,?,?,?,?)"
	getGroupSQL          = "SELECT " + groupCols + " FROM group_chats WHERE id=?"
	getGroupForUpdateSQL = getGroupSQL + " FOR UPDATE"
	updateGroupSQL       = "UPDATE group_chats SET name=?, description=?, photo=?, admin=?, update_time=? WHERE id=?"
	deleteGroupSQL       = "DELETE FROM group_chats WHERE id=?"

	insertMemberSQL  = "INSERT IGNORE INTO group_members (group_id, uid) VALUES (?,?)"
	deleteMemberSQL  = "DELETE FROM group_members WHERE group_id=? AND uid=?"
	deleteMembersSQL = "DELETE FROM group_members WHERE group_id=?"
	getMembersSQL    = "SELECT uid FROM group_members WHERE group_id=? ORDER BY uid"
	groupIdsSQL      = "SELECT group_id FROM group_members WHERE uid=?"

	groupMessageCols = "id,group_id,sender,ciphertext,nonce,tag,create_time,update_time"

	insertGroupMessageSQL = "INSERT INTO group_messages (" + groupMessageCols + ") VALUES (?,?,?,?,?,?,?,?)"
	insertReadSQL         = "INSERT IGNORE INTO group_message_reads (message_id, uid) VALUES (?,?)"
	deleteGroupMsgsSQL    = "DELETE FROM group_messages WHERE group_id=?"
	deleteGroupReadsSQL   = "DELETE FROM group_message_reads WHERE message_id IN " +
		"(SELECT id FROM group_messages WHERE group_id=?)"

	listGroupMessagesSQL = "SELECT " + groupMessageCols + " FROM group_messages " +
		"WHERE group_id=? %s ORDER BY id DESC LIMIT ?"

	// Bulk-add the reader to every message it has not read yet. Own
	// messages are readBy the sender from creation.
	groupMarkReadSQL = "INSERT INTO group_message_reads (message_id, uid) " +
		"SELECT g.id, ? FROM group_messages AS g WHERE g.group_id=? AND g.sender<>? " +
		"AND NOT EXISTS (SELECT 1 FROM group_message_reads AS r WHERE r.message_id=g.id AND r.uid=?)"

	lastPerGroupSQL = "SELECT group_id, MAX(id) FROM group_messages WHERE group_id IN (%s) GROUP BY group_id"

	groupUnreadSQL = "SELECT g.group_id, COUNT(*) FROM group_messages AS g " +
		"WHERE g.group_id IN (%s) AND g.sender<>? " +
		"AND NOT EXISTS (SELECT 1 FROM group_message_reads AS r WHERE r.message_id=g.id AND r.uid=?) " +
		"GROUP BY g.group_id"
)

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	if err := row.Scan(&g.Id, &g.Name, &g.Description, &g.Photo, &g.Admin, &g.CreateTime, &g.UpdateTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return &g, nil
}

func scanGroupMessage(row rowScanner) (*GroupMessage, error) {
	var m GroupMessage
	if err := row.Scan(&m.Id, &m.GroupId, &m.Sender, &m.Envelope.Ciphertext, &m.Envelope.Nonce,
		&m.Envelope.Tag, &m.CreateTime, &m.UpdateTime); err != nil {
		return nil, err
	}
	return &m, nil
}

func loadMembersTx(ctx context.Context, tx *sql.Tx, groupId int64) ([]int32, error) {
	rows, err := tx.QueryContext(ctx, getMembersSQL, groupId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int32
	for rows.Next() {
		var uid int32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

func loadGroupTx(ctx context.Context, tx *sql.Tx, id int64, forUpdate bool) (*Group, error) {
	stmt := getGroupSQL
	if forUpdate {
		stmt = getGroupForUpdateSQL
	}
	g, err := scanGroup(tx.QueryRowContext(ctx, stmt, id))
	if err != nil {
		return nil, err
	}
	g.Members, err = loadMembersTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// validMemberUids drops unknown and soft-deleted identities, keeping
// input order without duplicates.
func (s *convStore) validMemberUids(ctx context.Context, uids []int32) ([]int32, error) {
	users, err := s.GetUsers(ctx, uids)
	if err != nil {
		return nil, err
	}
	seen := make(map[int32]bool, len(uids))
	var out []int32
	for _, uid := range uids {
		u := users[uid]
		if u == nil || u.Deleted || seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	return out, nil
}

func (s *convStore) CreateGroup(ctx context.Context, admin int32, name, description string, members []int32) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrGroupName
	}
	if len(members) == 0 {
		return nil, ErrNoMembers
	}

	memberUids, err := s.validMemberUids(ctx, members)
	if err != nil {
		return nil, err
	}

	now := Now()
	g := &Group{
		Name:        name,
		Description: strings.TrimSpace(description),
		Admin:       admin,
		CreateTime:  now,
		UpdateTime:  now,
	}

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insertGroupSQL, g.Name, g.Description, g.Photo, g.Admin, now, now)
		if err != nil {
			return err
		}
		g.Id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		// Admin is always a member.
		g.Members = append(g.Members, admin)
		for _, uid := range memberUids {
			if uid != admin {
				g.Members = append(g.Members, uid)
			}
		}
		for _, uid := range g.Members {
			if _, err := tx.ExecContext(ctx, insertMemberSQL, g.Id, uid); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *convStore) GetGroup(ctx context.Context, id int64) (*Group, error) {
	var g *Group
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		g, err = loadGroupTx(ctx, tx, id, false)
		return err
	}, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *convStore) GroupsForMember(ctx context.Context, uid int32) ([]*Group, error) {
	rows, err := s.QueryContext(ctx, groupIdsSQL, uid)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Group
	for _, id := range ids {
		g, err := s.GetGroup(ctx, id)
		if err != nil {
			if err == ErrGroupNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *convStore) mutateGroup(ctx context.Context, id int64, mutate func(ctx context.Context, tx *sql.Tx, g *Group) error) (*Group, error) {
	var out *Group
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		g, err := loadGroupTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := mutate(ctx, tx, g); err != nil {
			return err
		}
		out = g
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *convStore) UpdateGroupMeta(ctx context.Context, id int64, actor int32, name, description *string) (*Group, error) {
	return s.mutateGroup(ctx, id, func(ctx context.Context, tx *sql.Tx, g *Group) error {
		if g.Admin != actor {
			return ErrNotAdmin
		}
		if name != nil {
			if v := strings.TrimSpace(*name); v != "" {
				g.Name = v
			}
		}
		if description != nil {
			g.Description = strings.TrimSpace(*description)
		}
		g.UpdateTime = Now()
		_, err := tx.ExecContext(ctx, updateGroupSQL, g.Name, g.Description, g.Photo, g.Admin, g.UpdateTime, g.Id)
		return err
	})
}

func (s *convStore) SetGroupPhoto(ctx context.Context, id int64, actor int32, photo string) (*Group, error) {
	return s.mutateGroup(ctx, id, func(ctx context.Context, tx *sql.Tx, g *Group) error {
		if g.Admin != actor {
			return ErrNotAdmin
		}
		g.Photo = photo
		g.UpdateTime = Now()
		_, err := tx.ExecContext(ctx, updateGroupSQL, g.Name, g.Description, g.Photo, g.Admin, g.UpdateTime, g.Id)
		return err
	})
}

func (s *convStore) AddMembers(ctx context.Context, id int64, actor int32, uids []int32) (*Group, error) {
	memberUids, err := s.validMemberUids(ctx, uids)
	if err != nil {
		return nil, err
	}

	return s.mutateGroup(ctx, id, func(ctx context.Context, tx *sql.Tx, g *Group) error {
		if g.Admin != actor {
			return ErrNotAdmin
		}
		for _, uid := range memberUids {
			if g.HasMember(uid) {
				continue
			}
			if _, err := tx.ExecContext(ctx, insertMemberSQL, g.Id, uid); err != nil {
				return err
			}
			g.Members = append(g.Members, uid)
		}
		g.UpdateTime = Now()
		_, err := tx.ExecContext(ctx, updateGroupSQL, g.Name, g.Description, g.Photo, g.Admin, g.UpdateTime, g.Id)
		return err
	})
}

func (s *convStore) RemoveMember(ctx context.Context, id int64, actor, target int32) (*Group, error) {
	var deleted bool
	g, err := s.mutateGroup(ctx, id, func(ctx context.Context, tx *sql.Tx, g *Group) error {
		if !g.HasMember(target) {
			return ErrNotMember
		}
		isSelf := actor == target
		if !isSelf && g.Admin != actor {
			return ErrNotAdmin
		}
		// The sole admin may not walk out on co-members.
		if target == g.Admin && len(g.Members) > 1 {
			return ErrAdminMustTransfer
		}

		if _, err := tx.ExecContext(ctx, deleteMemberSQL, g.Id, target); err != nil {
			return err
		}
		kept := g.Members[:0]
		for _, m := range g.Members {
			if m != target {
				kept = append(kept, m)
			}
		}
		g.Members = kept

		if len(g.Members) == 0 {
			deleted = true
			return deleteGroupTx(ctx, tx, g.Id)
		}

		g.UpdateTime = Now()
		_, err := tx.ExecContext(ctx, updateGroupSQL, g.Name, g.Description, g.Photo, g.Admin, g.UpdateTime, g.Id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, nil
	}
	return g, nil
}

func (s *convStore) TransferAdmin(ctx context.Context, id int64, actor, newAdmin int32) (*Group, error) {
	return s.mutateGroup(ctx, id, func(ctx context.Context, tx *sql.Tx, g *Group) error {
		if g.Admin != actor {
			return ErrNotAdmin
		}
		if !g.HasMember(newAdmin) {
			return ErrNotMember
		}
		g.Admin = newAdmin
		g.UpdateTime = Now()
		_, err := tx.ExecContext(ctx, updateGroupSQL, g.Name, g.Description, g.Photo, g.Admin, g.UpdateTime, g.Id)
		return err
	})
}

func deleteGroupTx(ctx context.Context, tx *sql.Tx, id int64) error {
	// Reads reference messages, so they go first.
	if _, err := tx.ExecContext(ctx, deleteGroupReadsSQL, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, deleteGroupMsgsSQL, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, deleteMembersSQL, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, deleteGroupSQL, id)
	return err
}

func (s *convStore) DeleteGroup(ctx context.Context, id int64, actor int32) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		g, err := loadGroupTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if g.Admin != actor {
			return ErrNotAdmin
		}
		return deleteGroupTx(ctx, tx, id)
	})
}

func (s *convStore) AppendGroupMessage(ctx context.Context, groupId int64, sender int32, env *envelope.Envelope) (*GroupMessage, error) {
	now := Now()
	msg := &GroupMessage{
		Id:         NewID(now),
		GroupId:    groupId,
		Sender:     sender,
		Envelope:   *env,
		ReadBy:     []int32{sender},
		CreateTime: now,
		UpdateTime: now,
	}

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		g, err := loadGroupTx(ctx, tx, groupId, false)
		if err != nil {
			return err
		}
		if !g.HasMember(sender) {
			return ErrNotMember
		}

		_, err = tx.ExecContext(ctx, insertGroupMessageSQL, msg.Id, msg.GroupId, msg.Sender,
			msg.Envelope.Ciphertext, msg.Envelope.Nonce, msg.Envelope.Tag, now, now)
		if err != nil && s.IsDupKeyError(err) {
			// Same-millisecond id collision, retry once with a fresh id.
			msg.Id = NewID(now)
			_, err = tx.ExecContext(ctx, insertGroupMessageSQL, msg.Id, msg.GroupId, msg.Sender,
				msg.Envelope.Ciphertext, msg.Envelope.Nonce, msg.Envelope.Tag, now, now)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, insertReadSQL, msg.Id, sender)
		return err
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *convStore) ListGroupMessages(ctx context.Context, groupId int64, cursor string, limit int) ([]*GroupMessage, error) {
	var stmt string
	args := []interface{}{groupId}
	if cursor == "" {
		stmt = fmt.Sprintf(listGroupMessagesSQL, "")
	} else {
		stmt = fmt.Sprintf(listGroupMessagesSQL, "AND id < ? ")
		args = append(args, cursor)
	}
	args = append(args, limit)

	rows, err := s.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	var out []*GroupMessage
	byId := make(map[string]*GroupMessage)
	for rows.Next() {
		m, err := scanGroupMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, m)
		byId[m.Id] = m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	args = args[:0]
	marks := make([]string, 0, len(out))
	for _, m := range out {
		args = append(args, m.Id)
		marks = append(marks, "?")
	}
	stmt = "SELECT message_id, uid FROM group_message_reads WHERE message_id IN (" + strings.Join(marks, ",") + ")"
	rows, err = s.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var uid int32
		if err := rows.Scan(&id, &uid); err != nil {
			return nil, err
		}
		if m := byId[id]; m != nil {
			m.ReadBy = append(m.ReadBy, uid)
		}
	}
	return out, rows.Err()
}

func (s *convStore) GroupMarkRead(ctx context.Context, groupId int64, uid int32) (int32, error) {
	res, err := s.ExecContext(ctx, groupMarkReadSQL, uid, groupId, uid, uid)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int32(n), err
}

func (s *convStore) GroupConversations(ctx context.Context, uid int32) ([]*GroupConversation, error) {
	groups, err := s.GroupsForMember(ctx, uid)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(groups))
	marks := make([]string, len(groups))
	byId := make(map[int64]*GroupConversation, len(groups))
	out := make([]*GroupConversation, 0, len(groups))
	for i, g := range groups {
		args[i] = g.Id
		marks[i] = "?"
		c := &GroupConversation{Group: g}
		byId[g.Id] = c
		out = append(out, c)
	}
	in := strings.Join(marks, ",")

	lastIds := make(map[string]int64)
	rows, err := s.QueryContext(ctx, fmt.Sprintf(lastPerGroupSQL, in), args...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var gid int64
		var id string
		if err := rows.Scan(&gid, &id); err != nil {
			rows.Close()
			return nil, err
		}
		lastIds[id] = gid
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(lastIds) > 0 {
		msgArgs := make([]interface{}, 0, len(lastIds))
		msgMarks := make([]string, 0, len(lastIds))
		for id := range lastIds {
			msgArgs = append(msgArgs, id)
			msgMarks = append(msgMarks, "?")
		}
		stmt := "SELECT " + groupMessageCols + " FROM group_messages WHERE id IN (" + strings.Join(msgMarks, ",") + ")"
		rows, err = s.QueryContext(ctx, stmt, msgArgs...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			m, err := scanGroupMessage(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			byId[m.GroupId].Last = m
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	unreadArgs := append(append([]interface{}{}, args...), uid, uid)
	rows, err = s.QueryContext(ctx, fmt.Sprintf(groupUnreadSQL, in), unreadArgs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var gid int64
		var n int32
		if err := rows.Scan(&gid, &n); err != nil {
			return nil, err
		}
		byId[gid].Unread = n
	}
	return out, rows.Err()
}
