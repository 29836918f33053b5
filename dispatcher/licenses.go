package dispatcher

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"time"

	"github.com/cyberinferno/go-licensesrv/serial"
	"github.com/cyberinferno/go-licensesrv/store"
	"github.com/cyberinferno/go-licensesrv/utils"
)

// target is the product version and user a license request refers to.
type target struct {
	product  *CatalogProduct
	version  store.Version
	pid      int
	ver      int
	userInfo string
}

// resolveTarget validates pid, the version key and userinfo against the
// catalog. verKey is "ver" or "major_ver" depending on the action.
func (d *Dispatcher) resolveTarget(ctx context.Context, req request, verKey string, missingVer *Error, doing string) (target, error) {
	cat, err := d.catalog(ctx)
	if err != nil {
		return target{}, dbError(doing, err)
	}

	pid, ok := req.integer("pid")
	if !ok {
		return target{}, errMissingPID
	}

	p, ok := cat.Product(pid)
	if !ok {
		return target{}, errProductNotFound
	}

	ver, ok := req.integer(verKey)
	if !ok {
		return target{}, missingVer
	}

	v, ok := p.Versions[ver]
	if !ok {
		return target{}, errVersionNotFound
	}

	if !req.has("userinfo") {
		return target{}, errMissingUserInfo
	}

	userInfo, ok := req.str("userinfo")
	if !ok {
		return target{}, errInvalidUserInfo
	}

	return target{product: p, version: v, pid: pid, ver: ver, userInfo: userInfo}, nil
}

func (t target) verify(serialNum string) (*serial.Serial, error) {
	s, err := serial.Verify(serialNum, t.pid, t.ver, t.userInfo, keys(t.version), alphabet(t.version))
	if err != nil {
		return nil, serialError(err)
	}

	return s, nil
}

func (d *Dispatcher) findLicense(ctx context.Context, t target, serialNum, doing string) (store.License, error) {
	l, err := d.store.FindLicense(ctx, serialNum, t.pid, t.ver, t.userInfo)
	if errors.Is(err, store.ErrNotFound) {
		return store.License{}, errNoLicenseInfo
	}
	if err != nil {
		return store.License{}, dbError(doing, err)
	}

	return l, nil
}

// logHistory appends the request's "log" text, if any, to the license's
// history under typ.
func (d *Dispatcher) logHistory(ctx context.Context, req request, licenseID int64, typ, doing string) (logRef, error) {
	text, ok := req.str("log")
	if !ok {
		return logRef{}, nil
	}

	e, err := d.store.AppendHistory(ctx, licenseID, typ, text)
	if err != nil {
		return logRef{}, dbError(doing, err)
	}

	return logRefOf(&e), nil
}

func requireSerial(req request) (string, error) {
	s, ok := req.str("serial_num")
	if !ok {
		return "", errMissingSerialNum
	}

	return s, nil
}

// normalizeSerial brings a user supplied serial into stored form when it
// parses with the default alphabet.
func normalizeSerial(s string) string {
	if n, err := serial.Normalize(s, nil); err == nil {
		return n
	}

	return s
}

func (d *Dispatcher) verifySerial(ctx context.Context, req request) (any, error) {
	const doing = "validating the serial number"

	serialNum, err := requireSerial(req)
	if err != nil {
		return nil, err
	}

	t, err := d.resolveTarget(ctx, req, "ver", errMissingVer, doing)
	if err != nil {
		return nil, err
	}

	if !t.version.Active {
		return nil, errVersionDeactivated
	}

	if normalized, err := serial.Normalize(serialNum, alphabet(t.version)); err == nil {
		rev, revoked, err := d.store.IsRevoked(ctx, t.pid, t.ver, normalized)
		if err != nil {
			return nil, dbError(doing, err)
		}
		if revoked {
			return nil, &Error{Code: CodeInvalidSerial, Message: "Invalid serial number.", Info: rev.Reason}
		}
	}

	s, err := t.verify(serialNum)
	if err != nil {
		return nil, err
	}

	resp := verifyResponse{SerialInfo: serialInfoOf(s, t.version), ProductName: t.product.Name}
	if !req.has("mode") {
		return resp, nil
	}

	l, err := d.findLicense(ctx, t, s.Number, doing)
	if err != nil {
		return nil, err
	}

	mode, _ := req.str("mode")
	switch mode {
	case "activate":
		limit := store.EffectiveLimit(l.Info.MaxActivations, t.version.Info.MaxActivations)
		l, err = d.store.RecordActivation(ctx, l.ID, limit)
		if errors.Is(err, store.ErrLimitReached) {
			return nil, newError(CodeTooManyActivations, "Too many activations.")
		}
		if err != nil {
			return nil, dbError(doing, err)
		}
		resp.Activations = utils.Pointer(l.Info.Activations)
		resp.logRef, err = d.logHistory(ctx, req, l.ID, "activated", doing)

	case "deactivate":
		l, err = d.store.RecordDeactivation(ctx, l.ID)
		if err != nil {
			return nil, dbError(doing, err)
		}
		resp.Activations = utils.Pointer(l.Info.Activations)
		resp.logRef, err = d.logHistory(ctx, req, l.ID, "deactivated", doing)

	case "download":
		limit := store.EffectiveLimit(l.Info.MaxDownloads, t.version.Info.MaxDownloads)
		l, err = d.store.RecordDownload(ctx, l.ID, limit)
		if errors.Is(err, store.ErrLimitReached) {
			return nil, newError(CodeTooManyDownloads, "Too many downloads.")
		}
		if err != nil {
			return nil, dbError(doing, err)
		}
		resp.Downloads = utils.Pointer(l.Info.Downloads)
		resp.logRef, err = d.logHistory(ctx, req, l.ID, "downloaded", doing)
	}
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (d *Dispatcher) revokeRestoreLicense(ctx context.Context, req request) (any, error) {
	const doing = "managing revocation of the license"

	serialNum, err := requireSerial(req)
	if err != nil {
		return nil, err
	}

	t, err := d.resolveTarget(ctx, req, "ver", errMissingVer, doing)
	if err != nil {
		return nil, err
	}

	s, err := t.verify(serialNum)
	if err != nil {
		return nil, err
	}

	l, err := d.findLicense(ctx, t, s.Number, doing)
	if err != nil {
		return nil, err
	}

	reason, revoke := req.str("reason")
	if !revoke {
		if err := d.store.Restore(ctx, l.ID); err != nil {
			return nil, dbError(doing, err)
		}

		ref, err := d.logHistory(ctx, req, l.ID, "restored", doing)
		if err != nil {
			return nil, err
		}
		return okResponse{Success: true, logRef: ref}, nil
	}

	rev, err := d.store.Revoke(ctx, l.ID, reason)
	if err != nil {
		return nil, dbError(doing, err)
	}

	ref, err := d.logHistory(ctx, req, l.ID, "revoked", doing)
	if err != nil {
		return nil, err
	}

	return revokeResponse{Success: true, Revoked: rev.Created.Unix(), RevokeReason: rev.Reason, logRef: ref}, nil
}

func (d *Dispatcher) createLicense(ctx context.Context, req request) (any, error) {
	const doing = "creating the license"

	t, err := d.resolveTarget(ctx, req, "major_ver", errMissingMajorVer, doing)
	if err != nil {
		return nil, err
	}

	if !t.version.Active {
		return nil, errVersionDeactivated
	}

	info, err := licenseInfoOf(req)
	if err != nil {
		return nil, err
	}

	if info.Password == "" {
		info.Password, err = utils.RandomWords(4, 4, 6)
		if err != nil {
			return nil, err
		}
	}

	serialNum, err := serial.Generate(t.pid, t.ver, t.userInfo, serialFieldsOf(req, d.now()), keys(t.version), alphabet(t.version))
	if err != nil {
		return nil, serialError(err)
	}

	assignOrder := !req.has("order_num") || req.flag("order_num")
	l, created, err := d.store.CreateOrUpdateLicense(ctx, store.License{
		SerialNum:    serialNum,
		ProductID:    t.pid,
		MajorVersion: t.ver,
		UserInfo:     t.userInfo,
		Info:         info,
	}, assignOrder)
	if err != nil {
		return nil, dbError(doing, err)
	}

	typ := "updated_info"
	if created {
		typ = "created"
	}

	ref, err := d.logHistory(ctx, req, l.ID, typ, doing)
	if err != nil {
		return nil, err
	}

	return licenseResponse{
		Success:     true,
		SerialNum:   l.SerialNum,
		ProductID:   l.ProductID,
		ProductName: t.product.Name,
		MajorVer:    l.MajorVersion,
		UserInfo:    l.UserInfo,
		SerialInfo:  describeSerial(l.SerialNum, l.ProductID, l.MajorVersion, l.UserInfo, t.version),
		Created:     l.Created.Unix(),
		OrderNum:    l.OrderNum,
		LastUsed:    utils.UnixOrZero(l.LastUsed),
		Info:        l.Info,
		logRef:      ref,
	}, nil
}

// licenseInfoOf decodes the optional "info" object of create_license.
func licenseInfoOf(req request) (store.LicenseInfo, error) {
	var info store.LicenseInfo

	obj, ok := req.object("info")
	if !ok {
		return info, nil
	}

	data, err := json.Marshal(obj)
	if err == nil {
		err = json.Unmarshal(data, &info)
	}
	if err != nil {
		return info, &Error{Code: CodeInvalidInfo, Message: "Invalid license info.", Err: err}
	}

	return info, nil
}

// serialFieldsOf reads the optional payload fields of create_license. date
// is a Unix timestamp and defaults to now.
func serialFieldsOf(req request, now time.Time) serial.Fields {
	f := serial.Fields{
		Expires: req.flag("expires"),
		Date:    serial.DaysFromTime(now),
	}

	if date, ok := req.strictInt("date"); ok {
		f.Date = -1
		if date >= 0 {
			f.Date = date / 86400
		}
	}

	f.ProductClass, _ = req.integer("product_class")
	f.MinorVersion, _ = req.integer("minor_ver")
	f.CustomBits, _ = req.integer("custom_bits")

	return f
}

func (d *Dispatcher) getLicenses(ctx context.Context, req request) (any, error) {
	const doing = "running the search"

	cat, err := d.catalog(ctx)
	if err != nil {
		return nil, dbError(doing, err)
	}

	resp := licensesResponse{Success: true, Licenses: []LicenseEntry{}}

	if req.flag("revoked_only") {
		var q store.RevokedQuery
		if pid, ok := req.integer("pid"); ok {
			q.ProductID = &pid
		}
		if ver, ok := req.integer("ver"); ok {
			q.MajorVersion = &ver
		}

		revoked, err := d.store.ListRevoked(ctx, q)
		if err != nil {
			return nil, dbError(doing, err)
		}

		for _, r := range revoked {
			p, v, ok := cat.Version(r.ProductID, r.MajorVersion)
			if !ok {
				continue
			}
			resp.Licenses = append(resp.Licenses, revokedEntryOf(r, p, v))
		}

		return resp, nil
	}

	q := licenseQueryOf(req)
	if q.Empty() {
		return nil, newError(CodeInvalidSearchQuery, "Invalid or incomplete search query specified.  Must be restricted to a specific serial number, product ID and major version, and/or user info.")
	}

	licenses, err := d.store.SearchLicenses(ctx, q)
	if err != nil {
		return nil, dbError(doing, err)
	}

	password, checkPassword := req.str("password")
	skipRevoked := req.has("revoked") && !req.flag("revoked")

	for _, l := range licenses {
		p, v, ok := cat.Version(l.ProductID, l.MajorVersion)
		if !ok {
			continue
		}

		if checkPassword && (l.Info.Password == "" || subtle.ConstantTimeCompare([]byte(l.Info.Password), []byte(password)) != 1) {
			continue
		}

		entry := licenseEntryOf(l, p, v)

		rev, revoked, err := d.store.IsRevoked(ctx, l.ProductID, l.MajorVersion, l.SerialNum)
		if err != nil {
			return nil, dbError(doing, err)
		}
		if revoked {
			if skipRevoked {
				continue
			}
			if rev.UserInfo == l.UserInfo {
				entry.Revoked = utils.Pointer(rev.Created.Unix())
				entry.RevokeReason = utils.Pointer(rev.Reason)
			}
		}

		resp.Licenses = append(resp.Licenses, entry)
	}

	return resp, nil
}

func licenseQueryOf(req request) store.LicenseQuery {
	var q store.LicenseQuery

	if s, ok := req.str("serial_num"); ok {
		q.SerialNum = normalizeSerial(s)
	}

	created, hasCreated := req.strictInt("created")
	orderNum, hasOrder := req.strictInt("order_num")
	if hasCreated && hasOrder && orderNum > 0 {
		q.OrderWindow = time.Unix(int64(created), 0)
		q.OrderNum = orderNum
	}

	if u, ok := req.str("userinfo"); ok {
		q.UserInfo = u
		q.UserInfoPrefix = req.flag("userinfo_like")
	}

	pid, hasPID := req.integer("pid")
	ver, hasVer := req.integer("ver")
	if hasPID && hasVer {
		q.ProductID = &pid
		q.MajorVersion = &ver
	}

	return q
}

func (d *Dispatcher) addHistory(ctx context.Context, req request) (any, error) {
	const doing = "adding an audit log"

	serialNum, err := requireSerial(req)
	if err != nil {
		return nil, err
	}

	t, err := d.resolveTarget(ctx, req, "ver", errMissingVer, doing)
	if err != nil {
		return nil, err
	}

	if !req.has("type") {
		return nil, newError(CodeMissingType, "Missing log type.")
	}
	typ, ok := req.str("type")
	if !ok {
		return nil, newError(CodeInvalidType, "Invalid log type.  Expected a string.")
	}

	if !req.has("log") {
		return nil, newError(CodeMissingLog, "Missing log.")
	}
	if _, ok := req.str("log"); !ok {
		return nil, newError(CodeInvalidLog, "Invalid log.  Expected a string.")
	}

	s, err := t.verify(serialNum)
	if err != nil {
		return nil, err
	}

	l, err := d.findLicense(ctx, t, s.Number, doing)
	if err != nil {
		return nil, err
	}

	ref, err := d.logHistory(ctx, req, l.ID, typ, doing)
	if err != nil {
		return nil, err
	}

	return okResponse{Success: true, logRef: ref}, nil
}

func (d *Dispatcher) getHistory(ctx context.Context, req request) (any, error) {
	const doing = "reading the history log"

	cat, err := d.catalog(ctx)
	if err != nil {
		return nil, dbError(doing, err)
	}

	var q store.HistoryQuery
	if id, ok := req.integer("id"); ok {
		q.ID = int64(id)
	}
	if s, ok := req.str("serial_num"); ok {
		q.SerialNum = normalizeSerial(s)
	}
	if u, ok := req.str("userinfo"); ok {
		q.UserInfo = u
	}
	pid, hasPID := req.integer("pid")
	ver, hasVer := req.integer("ver")
	if hasPID && hasVer {
		q.ProductID = &pid
		q.MajorVersion = &ver
	}
	if typ, ok := req.str("type"); ok {
		q.Type = typ
	}

	entries, err := d.store.GetHistory(ctx, q)
	if err != nil {
		return nil, dbError(doing, err)
	}

	resp := historyResponse{Success: true, Entries: make([]HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		p, ok := cat.Product(e.ProductID)
		if !ok {
			continue
		}

		resp.Entries = append(resp.Entries, HistoryEntry{
			ID:          e.ID,
			SerialNum:   e.SerialNum,
			ProductID:   e.ProductID,
			ProductName: p.Name,
			MajorVer:    e.MajorVersion,
			UserInfo:    e.UserInfo,
			Type:        e.Type,
			Created:     e.Created.Unix(),
			Info:        e.Info,
		})
	}

	return resp, nil
}
