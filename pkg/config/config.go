package config

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Options struct {
	ServerURL         string
	DataDir           string
	ImageDir          string
	DatabasePath      string
	SyncInfoPath      string
	LogFile           string
	SyncInterval      time.Duration
	ImageInterval     time.Duration
	MaxDirectUpload   int64
	RemoteDBPath      string
	RemoteSyncFolder  string
	RemoteImageFolder string
	DeviceID          string
	BackupKey         string
}

func NewConfig() *Options {
	serverURL := flag.String("serverURL", "https://graph.microsoft.com/v1.0/me/drive", "remote blob store base URL")
	dataDir := flag.String("dataDir", "", "local data directory")
	syncInterval := flag.Duration("syncInterval", time.Minute, "database sync interval")
	imageInterval := flag.Duration("imageInterval", time.Minute, "attachment sync interval")
	maxDirectUpload := flag.Int64("maxDirectUpload", 4*1024*1024, "largest payload sent as a single upload")
	remoteDBPath := flag.String("remoteDBPath", "backup/aquatrack.db", "well-known remote database path")
	remoteSyncFolder := flag.String("remoteSyncFolder", "sync", "remote folder for record documents")
	remoteImageFolder := flag.String("remoteImageFolder", "fotos", "remote folder for attachments")
	deviceID := flag.String("deviceID", "", "stable identifier of this device")
	backupKey := flag.String("backupKey", "", "passphrase for encrypted database backups (empty disables)")

	flag.Parse()

	if *dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal(err)
		}
		*dataDir = filepath.Join(home, "aquatrack")
	}

	// Check if corresponding environment variables are set and override the values if present.
	if envServerURL, exists := os.LookupEnv("SERVER_URL"); exists {
		*serverURL = envServerURL
	}

	if envDataDir, exists := os.LookupEnv("DATA_DIR"); exists {
		*dataDir = envDataDir
	}

	if envSyncInterval, exists := os.LookupEnv("SYNC_INTERVAL"); exists {
		if value, err := time.ParseDuration(envSyncInterval); err == nil {
			*syncInterval = value
		}
	}

	if envImageInterval, exists := os.LookupEnv("IMAGE_INTERVAL"); exists {
		if value, err := time.ParseDuration(envImageInterval); err == nil {
			*imageInterval = value
		}
	}

	if envMaxDirectUpload, exists := os.LookupEnv("MAX_DIRECT_UPLOAD"); exists {
		if value, err := strconv.ParseInt(envMaxDirectUpload, 10, 64); err == nil {
			*maxDirectUpload = value
		}
	}

	if envRemoteDBPath, exists := os.LookupEnv("REMOTE_DB_PATH"); exists {
		*remoteDBPath = envRemoteDBPath
	}

	if envDeviceID, exists := os.LookupEnv("DEVICE_ID"); exists {
		*deviceID = envDeviceID
	}

	if envBackupKey, exists := os.LookupEnv("BACKUP_KEY"); exists {
		*backupKey = envBackupKey
	}

	if *deviceID == "" {
		if host, err := os.Hostname(); err == nil {
			*deviceID = host
		} else {
			*deviceID = "aquatrack"
		}
	}

	// Create the data directory tree if it does not exist yet.
	imageDir := filepath.Join(*dataDir, "fotos")
	for _, dir := range []string{*dataDir, imageDir} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				log.Fatal(err)
			}
		}
	}

	return &Options{
		ServerURL:         *serverURL,
		DataDir:           *dataDir,
		ImageDir:          imageDir,
		DatabasePath:      filepath.Join(*dataDir, "aquatrack.db"),
		SyncInfoPath:      filepath.Join(*dataDir, "syncinfo.json"),
		LogFile:           filepath.Join(*dataDir, "log.txt"),
		SyncInterval:      *syncInterval,
		ImageInterval:     *imageInterval,
		MaxDirectUpload:   *maxDirectUpload,
		RemoteDBPath:      *remoteDBPath,
		RemoteSyncFolder:  *remoteSyncFolder,
		RemoteImageFolder: *remoteImageFolder,
		DeviceID:          *deviceID,
		BackupKey:         *backupKey,
	}
}
